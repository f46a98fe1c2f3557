package world

import "errors"

var (
	ErrPlayerNotFound      = errors.New("player not found")
	ErrRegionNotFound      = errors.New("region not found")
	ErrRegionExists        = errors.New("region already exists")
	ErrDimensionNotFound   = errors.New("dimension not found")
	ErrFlagNotFound        = errors.New("flag not found")
	ErrDuplicateNativeFlag = errors.New("native flag already registered")
	ErrInvalidValue        = errors.New("invalid value")
)
