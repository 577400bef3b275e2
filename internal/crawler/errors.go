package crawler

import "errors"

// Sentinel errors shared by stores, the orchestrator and the API layer.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrDispatch      = errors.New("dispatch failed")
	ErrStore         = errors.New("store failure")
	ErrBlobStore     = errors.New("blob store failure")
	ErrDuplicatePage = errors.New("page already recorded")
)
