// Package crawler holds the domain types, sentinel errors, and the storage,
// fetch, render, and dispatch contracts shared by the audit crawler packages.
package crawler
