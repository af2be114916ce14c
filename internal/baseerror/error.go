package baseerror

// Error is a sentinel error that may have a parent. Errors derived with New
// match their parent with errors.Is, which allows grouping sentinels by class.
type Error struct {
	parent error
	msg    string
}

func New(msg string) *Error {
	return &Error{msg: msg}
}

// New derives a child error of err.
func (err *Error) New(msg string) *Error {
	return &Error{
		parent: err,
		msg:    msg,
	}
}

func (err *Error) Error() string {
	return err.msg
}

func (err *Error) Unwrap() error {
	return err.parent
}
