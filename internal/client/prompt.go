package client

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/models"
)

// PromptIdentity asks for each identity field on out and reads the answers
// from in. An empty answer keeps the value already in def, which the CLI
// pre-fills from the container's own metadata.
func PromptIdentity(in io.Reader, out io.Writer, def models.SlideIdentity) (models.SlideIdentity, error) {
	scanner := bufio.NewScanner(in)
	id := def
	fields := []struct {
		label string
		value *string
	}{
		{"Slide id", &id.ID},
		{"Name", &id.Name},
		{"Acquired at (e.g. 10:43AM 21.02.2022)", &id.AcquiredAt},
		{"Stain", &id.Stain},
		{"Tissue", &id.Tissue},
	}
	for _, f := range fields {
		if *f.value != "" {
			fmt.Fprintf(out, "%s [%s]: ", f.label, *f.value)
		} else {
			fmt.Fprintf(out, "%s: ", f.label)
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return models.SlideIdentity{}, err
			}
			break
		}
		if v := strings.TrimSpace(scanner.Text()); v != "" {
			*f.value = v
		}
	}
	if id.ID == "" {
		return models.SlideIdentity{}, fmt.Errorf("slide id is required")
	}
	return id, nil
}
