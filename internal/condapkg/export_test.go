package condapkg

import "testing"

// SetMaxInfoFile lowers the metadata read limit for the duration of t.
func SetMaxInfoFile(t *testing.T, n int64) {
	prev := maxInfoFile
	maxInfoFile = n
	t.Cleanup(func() { maxInfoFile = prev })
}
