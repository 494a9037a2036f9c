package health

// Checker is implemented by anything whose health can be probed, e.g. a launcher session.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}
