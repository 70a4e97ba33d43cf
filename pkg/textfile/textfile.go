// Package textfile reads and appends line-oriented text files shared with
// the computation program.
package textfile

import (
	"bufio"
	"errors"
	"io/fs"
	"os"
	"strings"
)

const maxLineSize = 1024 * 1024 // 1MB

// Line is one line of a file, numbered from 1.
type Line struct {
	Number int
	Text   string
}

// ReadLines returns every line of filePath with trailing whitespace removed.
// A missing file reads as empty.
func ReadLines(filePath string) ([]Line, error) {
	file, err := os.Open(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var lines []Line
	for i := 1; scanner.Scan(); i++ {
		lines = append(lines, Line{
			Number: i,
			Text:   strings.TrimRight(scanner.Text(), " \t\r"),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

// Texts strips line metadata.
func Texts(lines []Line) []string {
	texts := make([]string, len(lines))
	for i, l := range lines {
		texts[i] = l.Text
	}
	return texts
}

// AppendLines appends each line plus a newline and syncs the file before
// returning. Appending nothing leaves the file untouched.
func AppendLines(filePath string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(b.String())
	if err2 := f.Sync(); err2 != nil && err == nil {
		err = err2
	}
	if err2 := f.Close(); err2 != nil && err == nil {
		err = err2
	}
	return err
}
