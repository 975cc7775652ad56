package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	Valid     bool
	Lines     int
	ErrorLine int
	Error     string
}

// Verify walks the log and checks every entry's prev_hash against the hash
// of the preceding line. Tampered or missing entries report the first line
// at which the chain no longer holds.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	expected := GenesisHash
	lineNo := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return VerifyResult{Lines: lineNo, ErrorLine: lineNo, Error: fmt.Sprintf("invalid JSON: %v", err)}
		}
		if entry.PrevHash != expected {
			return VerifyResult{Lines: lineNo, ErrorLine: lineNo, Error: "hash chain broken"}
		}
		expected = HashLine(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: lineNo, Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: lineNo}
}
