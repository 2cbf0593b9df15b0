package schema

import (
	"context"
	"testing"
)

type fakeStore struct {
	schemas map[string]BarSchema
	calls   int
}

func (f *fakeStore) GetBarSchema(_ context.Context, ownerSub, barName string) (BarSchema, error) {
	f.calls++
	bs, ok := f.schemas[ownerSub+"/"+barName]
	if !ok {
		return BarSchema{}, ErrNotFound
	}
	return bs, nil
}

func testSchema() BarSchema {
	return BarSchema{
		Bar: ProgressBar{ID: "pbar_1", OwnerSub: "user_1", Name: "build", Version: 1},
		Default: StepSpec{
			Position:        0,
			Name:            DefaultStepName,
			OneOffTechnique: TechniqueArithmeticMean,
		},
		Steps: []StepSpec{
			{Position: 1, Name: "compile", OneOffTechnique: TechniqueArithmeticMean},
			{Position: 2, Name: "test", OneOffTechnique: TechniqueArithmeticMean},
		},
	}
}

func TestResolve_CachesAfterFirstLookup(t *testing.T) {
	fs := &fakeStore{schemas: map[string]BarSchema{"user_1/build": testSchema()}}
	r := NewRegistry(fs)

	for i := 0; i < 3; i++ {
		bs, err := r.Resolve(context.Background(), "user_1", "build")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if bs.K() != 2 {
			t.Fatalf("expected 2 steps, got %d", bs.K())
		}
	}

	if fs.calls != 1 {
		t.Errorf("expected 1 store call, got %d", fs.calls)
	}
}

func TestResolve_NoSuchBar(t *testing.T) {
	fs := &fakeStore{schemas: map[string]BarSchema{}}
	r := NewRegistry(fs)

	_, err := r.Resolve(context.Background(), "user_1", "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.(interface{ Error() string }).Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	fs := &fakeStore{schemas: map[string]BarSchema{"user_1/build": testSchema()}}
	r := NewRegistry(fs)

	if _, err := r.Resolve(context.Background(), "user_1", "build"); err != nil {
		t.Fatal(err)
	}
	r.Invalidate("user_1", "build")

	bumped := testSchema()
	bumped.Bar.Version = 2
	fs.schemas["user_1/build"] = bumped

	bs, err := r.Resolve(context.Background(), "user_1", "build")
	if err != nil {
		t.Fatal(err)
	}
	if bs.Bar.Version != 2 {
		t.Errorf("expected version 2 after invalidation, got %d", bs.Bar.Version)
	}
	if fs.calls != 2 {
		t.Errorf("expected 2 store calls, got %d", fs.calls)
	}
}

func TestInvalidateAll_ClearsEntireCache(t *testing.T) {
	fs := &fakeStore{schemas: map[string]BarSchema{
		"user_1/build":  testSchema(),
		"user_2/deploy": testSchema(),
	}}
	r := NewRegistry(fs)

	r.Resolve(context.Background(), "user_1", "build")
	r.Resolve(context.Background(), "user_2", "deploy")
	r.InvalidateAll()

	fs.calls = 0
	r.Resolve(context.Background(), "user_1", "build")
	r.Resolve(context.Background(), "user_2", "deploy")

	if fs.calls != 2 {
		t.Errorf("expected 2 store calls after InvalidateAll, got %d", fs.calls)
	}
}
