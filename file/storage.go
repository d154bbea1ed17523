package file

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// Storage is the seekable byte store behind one transfer. *os.File
// satisfies it.
type Storage interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// OpenForSend opens path for an outgoing transfer and returns the handle
// together with the file size.
func OpenForSend(path string) (Storage, uint64, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(safePath)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", safePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", safePath, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: is a directory", safePath)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "OpenForSend",
		"file_name": safePath,
		"file_size": info.Size(),
	}).Debug("Opened file for outgoing transfer")

	return f, uint64(info.Size()), nil
}

// CreateForReceive creates (or truncates) path for an incoming transfer.
func CreateForReceive(path string) (Storage, error) {
	safePath, err := ValidatePath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(safePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", safePath, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "CreateForReceive",
		"file_name": safePath,
	}).Debug("Created file for incoming transfer")

	return f, nil
}

// ContentID hashes r with BLAKE2b-256. Avatars are identified by this value
// so a receiver can skip pictures it already holds.
func ContentID(r io.Reader) ([FileIDLength]byte, error) {
	var id [FileIDLength]byte

	h, err := blake2b.New256(nil)
	if err != nil {
		return id, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return id, fmt.Errorf("hash content: %w", err)
	}

	copy(id[:], h.Sum(nil))
	return id, nil
}
