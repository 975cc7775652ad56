package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func FuzzVerify(f *testing.F) {
	// Seed with a valid 3-entry chain
	tmpDir := f.TempDir()
	validLog := filepath.Join(tmpDir, "valid.jsonl")
	log, err := Open(validLog)
	if err != nil {
		f.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		log.Record(Entry{ConnID: "c-fuzz", Event: EventAccepted})
	}
	log.Close()
	validData, _ := os.ReadFile(validLog)
	f.Add(validData)

	// Empty
	f.Add([]byte{})

	// Single garbage line
	f.Add([]byte(`{"not":"a valid entry"}` + "\n"))

	// Totally invalid
	f.Add([]byte(`not json`))

	f.Fuzz(func(t *testing.T, data []byte) {
		tmpFile := filepath.Join(t.TempDir(), "fuzz.jsonl")
		os.WriteFile(tmpFile, data, 0600)

		// Must not panic
		Verify(tmpFile)
	})
}
