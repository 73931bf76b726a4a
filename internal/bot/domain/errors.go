package domain

import "errors"

var (
	ErrNotFound     = errors.New("bot: not found")
	ErrPoolNotFound = errors.New("bot: redirect pool not found")
	ErrNoHealthyBot = errors.New("bot: no healthy bot in pool")
	ErrInactive     = errors.New("bot: inactive")
)
