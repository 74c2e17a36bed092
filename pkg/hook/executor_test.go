package hook

import (
	"errors"
	"sync"
	"testing"
)

func TestExecutorSerializes(t *testing.T) {
	e := newExecutor()
	defer e.stop()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.run(func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}

func TestExecutorReturnsError(t *testing.T) {
	e := newExecutor()
	defer e.stop()

	want := errors.New("boom")
	if err := e.run(func() error { return want }); err != want {
		t.Errorf("run = %v, want %v", err, want)
	}
}

func TestExecutorStop(t *testing.T) {
	e := newExecutor()
	e.stop()
	e.stop()

	if err := e.run(func() error { return nil }); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("run after stop = %v, want ErrNotInitialized", err)
	}
}
