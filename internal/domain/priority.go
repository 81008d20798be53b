package domain

type Priority int

const (
	PriorityNone      Priority = -1
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityReadahead Priority = 2 // maps to PiecePriorityReadahead.
	PriorityNext      Priority = 3 // maps to PiecePriorityNext.
	PriorityHigh      Priority = 4 // maps to PiecePriorityNow.
)
