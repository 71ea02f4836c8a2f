package prompts

import (
	"io/fs"
	"testing"

	"github.com/voxecho/voxecho/internal/media"
)

func TestEmbeddedPromptsPresent(t *testing.T) {
	for _, name := range Files {
		path := "system/" + name
		f, err := FS.Open(path)
		if err != nil {
			t.Errorf("FS.Open(%q): %v", path, err)
			continue
		}

		info, err := f.Stat()
		f.Close()
		if err != nil {
			t.Errorf("Stat(%q): %v", path, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", path)
		}
	}
}

func TestEmbeddedPromptsArePlayable(t *testing.T) {
	for _, name := range Files {
		data, err := fs.ReadFile(FS, "system/"+name)
		if err != nil {
			t.Fatalf("ReadFile(%q): %v", name, err)
		}
		if err := media.ValidateWAVData(data); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}
