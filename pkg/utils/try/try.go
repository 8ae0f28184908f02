package try

// something have method `Fatal`, like *testing.T or *log.Logger.
type Fataler interface {
	Fatal(...any)
}

// Either wraps a pair of (T, error).
//
// When error is nil, it is "ok" and T is valid. Otherwise T should not be used.
type Either[T any] interface {
	Get() (T, error)

	// OrFatal returns T when it is ok. Otherwise, it calls ftl.Fatal(err).
	//
	// If ftl has `Helper()` (like *testing.T), it is called before Fatal.
	OrFatal(ftl Fataler) T

	// OrDefault returns T when it is ok, or d otherwise.
	OrDefault(d T) T
}

func To[T any](ok T, ng error) Either[T] {
	if ng == nil {
		return tryOk[T]{value: ok}
	}
	return tryNg[T]{err: ng}
}

type tryOk[T any] struct{ value T }

func (ok tryOk[T]) Get() (T, error) { return ok.value, nil }
func (ok tryOk[T]) OrFatal(Fataler) T { return ok.value }
func (ok tryOk[T]) OrDefault(T) T { return ok.value }

type tryNg[T any] struct{ err error }

func (ng tryNg[T]) Get() (T, error) { return *new(T), ng.err }
func (ng tryNg[T]) OrDefault(d T) T { return d }

func (ng tryNg[T]) OrFatal(ftl Fataler) T {
	if hlp, ok := ftl.(interface{ Helper() }); ok {
		hlp.Helper()
	}
	ftl.Fatal(ng.err)
	return *new(T)
}
