package domain

import "errors"

var (
	ErrFetch        = errors.New("fetch failed")
	ErrDecode       = errors.New("image decode failed")
	ErrStore        = errors.New("store failed")
	ErrMissingTable = errors.New("input table not found")
	ErrSchema       = errors.New("table schema error")
	ErrInvalidRange = errors.New("invalid index range")
	ErrRunNotFound  = errors.New("run not found")
)
