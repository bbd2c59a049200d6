package resource

import (
	"context"
	"encoding/json"
	"testing"
)

type stubResolver struct {
	exists bool
	record *Record
	err    error
}

func (s *stubResolver) Exists(context.Context, int64, int64) (bool, error) {
	return s.exists, s.err
}

func (s *stubResolver) Fetch(context.Context, int64) (*Record, error) {
	return s.record, s.err
}

func TestOwnsUnregisteredType(t *testing.T) {
	catalog := &Catalog{resolvers: map[Type]Resolver{}}

	for _, typ := range []Type{TypeChat, TypeKanbanBoard, Type("BOGUS")} {
		owns, err := catalog.Owns(context.Background(), typ, 1, 2)
		if err != nil {
			t.Fatalf("Owns(%s): %v", typ, err)
		}
		if owns {
			t.Errorf("Owns(%s) = true, want false for unregistered type", typ)
		}
	}
}

func TestOwnsRegisteredType(t *testing.T) {
	catalog := &Catalog{resolvers: map[Type]Resolver{
		TypeNote: &stubResolver{exists: true},
		TypeTask: &stubResolver{exists: false},
	}}

	owns, err := catalog.Owns(context.Background(), TypeNote, 1, 2)
	if err != nil || !owns {
		t.Errorf("Owns(NOTE) = (%v, %v), want (true, nil)", owns, err)
	}
	owns, err = catalog.Owns(context.Background(), TypeTask, 1, 2)
	if err != nil || owns {
		t.Errorf("Owns(TASK) = (%v, %v), want (false, nil)", owns, err)
	}
}

func TestFetchUnregisteredType(t *testing.T) {
	catalog := &Catalog{resolvers: map[Type]Resolver{}}
	record, err := catalog.Fetch(context.Background(), TypeChat, 1)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if record != nil {
		t.Errorf("Fetch for unregistered type = %+v, want nil", record)
	}
}

func TestFetchPassesThrough(t *testing.T) {
	want := &Record{Type: TypeNote, ID: 7, Data: json.RawMessage(`{"title":"n"}`)}
	catalog := &Catalog{resolvers: map[Type]Resolver{TypeNote: &stubResolver{record: want}}}

	got, err := catalog.Fetch(context.Background(), TypeNote, 7)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != want {
		t.Errorf("Fetch = %+v, want %+v", got, want)
	}
}

func TestValidType(t *testing.T) {
	for _, typ := range []Type{TypeNote, TypeTask, TypeEvent, TypeFile, TypeFolder, TypeChat, TypeColumn, TypeKanbanBoard} {
		if !ValidType(typ) {
			t.Errorf("ValidType(%s) = false", typ)
		}
	}
	if ValidType(Type("DOCUMENT")) {
		t.Error("ValidType(DOCUMENT) = true, want false")
	}
}
