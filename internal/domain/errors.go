package domain

import "errors"

var ErrNotFound = errors.New("not found")
var ErrInvalidSource = errors.New("invalid source")
