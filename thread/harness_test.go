package thread

import "testing"

func TestRunAllReturnsNilWhenEveryThreadFinishes(t *testing.T) {
	kern := NewKernel()
	var ran [3]bool
	err := RunAll(kern,
		func(args ...any) { ran[0] = true },
		func(args ...any) { kern.Yield(); ran[1] = true },
		func(args ...any) { ran[2] = true },
	)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if ran != [3]bool{true, true, true} {
		t.Fatalf("not every thread ran to completion: %v", ran)
	}
}

func TestRunAllSurfacesAPanic(t *testing.T) {
	kern := NewKernel()
	err := RunAll(kern,
		func(args ...any) {},
		func(args ...any) { panic("boom") },
	)
	if err == nil {
		t.Fatal("expected RunAll to surface the panic")
	}
}
