package message

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestNew_CopiesInputs(t *testing.T) {
	props := map[string]string{"p1": "v1"}
	payload := []byte{0xAA, 0xBB}

	msg, err := New(props, payload)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer msg.Release()

	props["p1"] = "changed"
	payload[0] = 0x00

	if v, _ := msg.Property("p1"); v != "v1" {
		t.Errorf("Expected property p1=v1, got %q", v)
	}
	if !bytes.Equal(msg.Content(), []byte{0xAA, 0xBB}) {
		t.Errorf("Expected content [AA BB], got % X", msg.Content())
	}
}

func TestNew_EmptyContent(t *testing.T) {
	for _, payload := range [][]byte{nil, {}} {
		msg, err := New(nil, payload)
		if err != nil {
			t.Fatalf("New() with empty payload failed: %v", err)
		}
		if len(msg.Content()) != 0 {
			t.Errorf("Expected empty content, got %d bytes", len(msg.Content()))
		}
		if msg.Len() != 0 {
			t.Errorf("Expected no properties, got %d", msg.Len())
		}
		msg.Release()
	}
}

func TestNew_InvalidProperties(t *testing.T) {
	testCases := []struct {
		name  string
		props map[string]string
	}{
		{"Empty key", map[string]string{"": "v"}},
		{"NUL in key", map[string]string{"a\x00b": "v"}},
		{"NUL in value", map[string]string{"k": "a\x00b"}},
		{"Invalid UTF-8 key", map[string]string{"\xff\xfe": "v"}},
		{"Invalid UTF-8 value", map[string]string{"k": "\xc3\x28"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.props, nil)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Expected ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestClone_SharesContent(t *testing.T) {
	msg, err := New(map[string]string{"k": "v"}, []byte("payload"))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	clone, err := msg.Clone()
	if err != nil {
		t.Fatalf("Clone() failed: %v", err)
	}

	if msg.Refs() != 2 {
		t.Errorf("Expected 2 references after clone, got %d", msg.Refs())
	}
	if &msg.Content()[0] != &clone.Content()[0] {
		t.Error("Clone should share the content buffer")
	}
	if !Equal(msg, clone) {
		t.Error("Clone should be value-equal to the original")
	}

	props := clone.Properties()
	props["k"] = "mutated"
	if v, _ := msg.Property("k"); v != "v" {
		t.Error("Mutating a properties copy must not affect the message")
	}

	msg.Release()
	if clone.Refs() != 1 {
		t.Errorf("Expected 1 reference after releasing original, got %d", clone.Refs())
	}
	if string(clone.Content()) != "payload" {
		t.Errorf("Clone content should survive release of the original, got %q", clone.Content())
	}

	clone.Release()
	if clone.Refs() != 0 {
		t.Errorf("Expected 0 references, got %d", clone.Refs())
	}
	if clone.Content() != nil {
		t.Error("Released message should expose no content")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	msg, _ := New(nil, []byte("x"))
	clone, _ := msg.Clone()

	msg.Release()
	msg.Release()

	if clone.Refs() != 1 {
		t.Errorf("Double release must drop only one reference, got %d refs", clone.Refs())
	}
	if _, err := msg.Clone(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Clone of released message should fail with ErrInvalidArgument, got %v", err)
	}
	clone.Release()
}

func TestClone_Concurrent(t *testing.T) {
	msg, _ := New(map[string]string{"k": "v"}, []byte("shared"))

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c, err := msg.Clone()
				if err != nil {
					t.Errorf("Clone() failed: %v", err)
					return
				}
				if string(c.Content()) != "shared" {
					t.Errorf("Unexpected content %q", c.Content())
				}
				c.Release()
			}
		}()
	}
	wg.Wait()

	if msg.Refs() != 1 {
		t.Errorf("Expected only the original reference left, got %d", msg.Refs())
	}
	msg.Release()
}

func TestRange_StopsEarly(t *testing.T) {
	msg, _ := New(map[string]string{"a": "1", "b": "2", "c": "3"}, nil)
	defer msg.Release()

	seen := 0
	msg.Range(func(key, value string) bool {
		seen++
		return false
	})
	if seen != 1 {
		t.Errorf("Range should stop after fn returns false, visited %d", seen)
	}
}
