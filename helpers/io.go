package helpers

import (
	"io"
)

func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == len(b) {
			return nil
		}
		b = b[n:]
	}
	return nil
}

// WriteLine appends '\n' and writes the whole line with one Write call when w allows it.
func WriteLine(w io.Writer, line string) error {
	b := make([]byte, 0, len(line)+1)
	b = append(b, line...)
	b = append(b, '\n')
	return WriteAll(w, b)
}
