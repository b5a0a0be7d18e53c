// Package observability provides formatted output utilities for verbose CLI mode.
package observability

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jmpublishing/bookpress/internal/ledger"
	"github.com/jmpublishing/bookpress/internal/types"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
)

// Printer handles formatted output for verbose mode
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		// Truncate long lines
		if len(line) > boxWidth-4 {
			line = line[:boxWidth-7] + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintConcept outputs a human-readable summary of the generated concept.
func (p *Printer) PrintConcept(concept *types.Concept) {
	if concept == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Genre:    %s\n", concept.Niche))
	sb.WriteString(fmt.Sprintf("Subgenre: %s\n", concept.Subgenre))
	sb.WriteString(fmt.Sprintf("Words:    %d across %d chapters\n", concept.WordCount, concept.ChapterCount))
	sb.WriteString("\n")

	hook := concept.Hook
	if len(hook) > 150 {
		hook = hook[:147] + "..."
	}
	sb.WriteString("Hook:\n")
	sb.WriteString("  " + hook)

	p.printBox("BOOK CONCEPT", sb.String())
}

// PrintOutline outputs the title and the first few chapters of the outline.
func (p *Printer) PrintOutline(outline *types.Outline) {
	if outline == nil || len(outline.Chapters) == 0 {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Title: %s\n", outline.Title))
	sb.WriteString(fmt.Sprintf("Chapters: %d\n\n", len(outline.Chapters)))

	count := min(len(outline.Chapters), maxItemsToShow)
	for i := 0; i < count; i++ {
		ch := outline.Chapters[i]
		sb.WriteString(fmt.Sprintf("%d. %s\n", ch.Number, ch.Title))
	}
	if len(outline.Chapters) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more chapters\n", len(outline.Chapters)-maxItemsToShow))
	}

	if len(outline.Keywords) > 0 {
		keywords := strings.Join(outline.Keywords, ", ")
		if len(keywords) > 50 {
			keywords = keywords[:47] + "..."
		}
		sb.WriteString(fmt.Sprintf("\nKeywords: %s", keywords))
	}

	p.printBox("TITLE AND OUTLINE", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintRunSummary outputs the stage table for a run.
func (p *Printer) PrintRunSummary(run *ledger.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Run:   %s\n", run.RunID))
	sb.WriteString(fmt.Sprintf("Genre: %s\n", run.Genre))
	if run.Title != "" {
		sb.WriteString(fmt.Sprintf("Title: %s\n", run.Title))
	}
	sb.WriteString("\n")

	for _, stage := range run.Stages {
		marker := "•"
		switch stage.Status {
		case ledger.StatusSucceeded:
			marker = "✓"
		case ledger.StatusFailed:
			marker = "✗"
		case ledger.StatusSkipped:
			marker = "-"
		}
		sb.WriteString(fmt.Sprintf("%s %-12s %s", marker, stage.Name, stage.Status))
		if stage.Attempts > 1 {
			sb.WriteString(fmt.Sprintf(" (%d attempts)", stage.Attempts))
		}
		sb.WriteString("\n")
		if stage.LastError != "" {
			errText := stage.LastError
			if len(errText) > 45 {
				errText = errText[:42] + "..."
			}
			sb.WriteString(fmt.Sprintf("  %s\n", errText))
		}
	}

	p.printBox("RUN SUMMARY", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintArtifacts outputs the artifact references recorded for a stage.
func (p *Printer) PrintArtifacts(stage string, refs map[string]string) {
	if len(refs) == 0 {
		return
	}

	keys := make([]string, 0, len(refs))
	for k := range refs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := refs[k]
		if len(v) > 40 {
			v = v[:37] + "..."
		}
		sb.WriteString(fmt.Sprintf("%-14s %s\n", k+":", v))
	}

	p.printBox(strings.ToUpper(stage)+" ARTIFACTS", strings.TrimSuffix(sb.String(), "\n"))
}
