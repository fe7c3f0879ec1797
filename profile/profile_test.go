package profile

import (
	"path/filepath"
	"testing"
)

func TestLoadBeforeSaveReturnsZeroValue(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "profile.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	p, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p != (Profile{}) {
		t.Fatalf("got %+v, want zero value", p)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "profile.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	want := Profile{PlayerName: "bob", LastServer: "192.168.1.5", LastPort: 7063}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSaveOverwritesPreviousValue(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "profile.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Save(Profile{PlayerName: "first", LastPort: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(Profile{PlayerName: "second", LastPort: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.PlayerName != "second" || got.LastPort != 2 {
		t.Fatalf("got %+v, want overwritten values", got)
	}
}
