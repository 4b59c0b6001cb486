package model

import (
	"reflect"
	"testing"
)

func TestAvailabilityTerminal(t *testing.T) {
	for _, a := range []Availability{AvailPrivate, AvailRemoved, AvailUnavailable} {
		if !a.Terminal() {
			t.Errorf("%s should be terminal", a)
		}
	}
	if AvailPublic.Terminal() {
		t.Error("public must not be terminal")
	}
	if Availability("").Terminal() {
		t.Error("empty availability must not be terminal")
	}
}

func TestSetCaptionLangs(t *testing.T) {
	var v Video
	v.SetCaptionLangs([]string{"en", "de", "en", "", "ar"})
	want := []string{"ar", "de", "en"}
	if !reflect.DeepEqual(v.CaptionLangs, want) {
		t.Errorf("got %v, want %v", v.CaptionLangs, want)
	}
}

func TestNestComments(t *testing.T) {
	flat := []Comment{
		{ID: "c1", Text: "root one"},
		{ID: "c2", Text: "root two"},
		{ID: "r1", ParentID: "c1", Text: "reply to one"},
		{ID: "r2", ParentID: "c2", Text: "reply to two"},
		{ID: "r3", ParentID: "c1", Text: "second reply to one"},
		{ID: "orphan", ParentID: "missing", Text: "dropped"},
	}
	roots := NestComments(flat)
	if len(roots) != 2 {
		t.Fatalf("got %d roots, want 2", len(roots))
	}
	if roots[0].ID != "c1" || roots[1].ID != "c2" {
		t.Errorf("root order not preserved: %s, %s", roots[0].ID, roots[1].ID)
	}
	if len(roots[0].Replies) != 2 || roots[0].Replies[0].ID != "r1" || roots[0].Replies[1].ID != "r3" {
		t.Errorf("c1 replies wrong: %+v", roots[0].Replies)
	}
	if len(roots[1].Replies) != 1 || roots[1].Replies[0].ID != "r2" {
		t.Errorf("c2 replies wrong: %+v", roots[1].Replies)
	}
	for _, r := range roots {
		for _, reply := range r.Replies {
			if reply.ParentID != r.ID {
				t.Errorf("reply %s parent %s under root %s", reply.ID, reply.ParentID, r.ID)
			}
		}
	}
}

func TestNestCommentsEmpty(t *testing.T) {
	if got := NestComments(nil); len(got) != 0 {
		t.Errorf("nil input produced %d roots", len(got))
	}
}
