package ircode

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dfultonthebar/Sports-Bar-TV-Controller-sub004/internal/av"
)

func TestExportImport(t *testing.T) {
	src := newTestStore(t)
	src.Save(Command{ProfileID: "tv", Button: "power", Code: powerCode, Verified: true})
	src.Save(Command{ProfileID: "tv", Button: "input", Code: powerCode})

	data, err := Export(src, "tv")
	if err != nil {
		t.Fatal(err)
	}

	dst := newTestStore(t)
	p, err := Import(dst, data)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "tv" || len(p.Buttons) != 2 {
		t.Errorf("profile = %+v", p)
	}
	got, err := dst.Get("tv", "power")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Code, powerCode) || !got.Verified {
		t.Errorf("imported = %+v", got)
	}
}

func TestImportDuplicateButton(t *testing.T) {
	s := newTestStore(t)
	doc := []byte(`{"version":1,"profile":"tv","commands":[
		{"button":"power","code":"JgAoI5QRMAKaBg=="},
		{"button":"power","code":"JgAoI5QRMAKaBg=="}]}`)
	_, err := Import(s, doc)
	if !errors.Is(err, av.ErrDuplicateButton) {
		t.Fatalf("err = %v, want DuplicateButton", err)
	}
	if list, _ := s.List("tv"); len(list) != 0 {
		t.Errorf("import wrote %d commands despite failure", len(list))
	}
}

func TestImportRejectsBadDocuments(t *testing.T) {
	s := newTestStore(t)
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"not json", `{`, av.ErrInvalidParameter},
		{"version", `{"version":2,"profile":"tv"}`, av.ErrUnsupportedOperation},
		{"no profile", `{"version":1}`, av.ErrInvalidParameter},
		{"bad code", `{"version":1,"profile":"tv","commands":[{"button":"x","code":"AAA="}]}`, av.ErrInvalidParameter},
	}
	for _, tt := range tests {
		if _, err := Import(s, []byte(tt.doc)); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestMissing(t *testing.T) {
	s := newTestStore(t)
	s.Save(Command{ProfileID: "tv", Button: "power", Code: powerCode, Verified: true})
	s.Save(Command{ProfileID: "tv", Button: "mute", Code: powerCode})

	missing, err := Missing(s, "tv", []string{"power", "mute", "input"})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 2 || missing[0] != "mute" || missing[1] != "input" {
		t.Errorf("missing = %v", missing)
	}
	if missing, _ := Missing(s, "tv", []string{"power"}); len(missing) != 0 {
		t.Errorf("complete profile reported missing %v", missing)
	}
}

func TestComplete(t *testing.T) {
	s := newTestStore(t)
	s.Save(Command{ProfileID: "tv", Button: "power", Code: powerCode, Verified: true})
	ok, missing, err := Complete(s, "tv", []string{"power"})
	if err != nil || !ok || len(missing) != 0 {
		t.Errorf("complete = %v %v %v", ok, missing, err)
	}
	if ok, _, _ := Complete(s, "tv", []string{"power", "mute"}); ok {
		t.Error("profile without mute reported complete")
	}
}
