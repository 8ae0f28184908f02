package args

// Adapter makes a parser function into flag.Value.
type Adapter[T interface{ String() string }] struct {
	value  T
	parser func(string) (T, error)
	isSet  bool
}

func (i *Adapter[T]) String() string {
	if i.isSet {
		return i.value.String()
	}
	return ""
}

func (i *Adapter[T]) Set(s string) error {
	v, err := i.parser(s)
	if err != nil {
		return err
	}
	i.isSet = true
	i.value = v
	return nil
}

// Value returns the parsed value, or the default when it is not set.
func (i *Adapter[T]) Value() T {
	return i.value
}

func (i *Adapter[T]) IsSet() bool {
	return i.isSet
}

// Parser creates a flag.Value which is parsed by parser.
//
// Until Set is called, Value() returns def.
func Parser[T interface{ String() string }](parser func(string) (T, error), def T) *Adapter[T] {
	return &Adapter[T]{parser: parser, value: def}
}
