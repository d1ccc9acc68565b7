package overlay

// Synthesized errno values used on responses the overlay fabricates
// itself rather than forwards from a real service. The numeric values
// match the corresponding POSIX errno.
const (
	EIO              = 5
	EInval           = 22
	ENOSYS           = 38
	EHostUnreachable = 113
)
