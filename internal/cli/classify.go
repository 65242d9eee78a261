package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/detention-letters/internal/letters"
	"github.com/pitabwire/detention-letters/model"
)

// ClassifyOptions holds flags for the classify command.
type ClassifyOptions struct {
	*RootOptions
	Family string
}

type classifyLine struct {
	PartNumber string        `json:"part_number"`
	Family     string        `json:"product_family,omitempty"`
	Match      letters.Match `json:"match"`
}

type classifyOutput struct {
	Lines   []classifyLine     `json:"lines"`
	Letters []model.LetterType `json:"letters"`
}

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClassifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "classify [part-number...]",
		Short: "Show which letters the built-in rules assign to part numbers",
		Long: `Classify part numbers against the built-in family table and part-number
rules without touching any store or service.

Examples:
  letterd classify hp23al6072345 xpg12080
  letterd classify --family "CMP Detention"
  letterd classify --format json dw3xxxxxxxx105`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.Family == "" {
				return NewExitError(ExitCommandError, "classify: give at least one part number or --family")
			}
			return runClassify(opts, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Family, "family", "", "product family applied to every part number")

	return cmd
}

func runClassify(opts *ClassifyOptions, parts []string, out io.Writer) error {
	engine := letters.NewEngine(nil)
	classifier := engine.Classifier()

	if len(parts) == 0 {
		parts = []string{""}
	}
	result := classifyOutput{Lines: make([]classifyLine, 0, len(parts))}
	lines := make([]model.OrderProductLine, 0, len(parts))
	for _, pn := range parts {
		line := model.OrderProductLine{ProductFamily: opts.Family, PartNumber: pn}
		lines = append(lines, line)
		result.Lines = append(result.Lines, classifyLine{
			PartNumber: pn,
			Family:     opts.Family,
			Match:      classifier.Explain(line),
		})
	}
	result.Letters = engine.Determine(lines)

	return writeOutput(out, opts.Format, result, func(w io.Writer) error {
		for _, l := range result.Lines {
			fmt.Fprintf(w, "%-20s %s\n", displayPart(l.PartNumber), describeMatch(l.Match))
		}
		names := make([]string, len(result.Letters))
		for i, lt := range result.Letters {
			names[i] = lt.String()
		}
		_, err := fmt.Fprintf(w, "letters: [%s]\n", strings.Join(names, ", "))
		return err
	})
}

func displayPart(pn string) string {
	if pn == "" {
		return "(none)"
	}
	return pn
}

func describeMatch(m letters.Match) string {
	if !m.Matched {
		return "no letter"
	}
	if m.Family {
		return fmt.Sprintf("%s (product family)", m.Letter)
	}
	var details []string
	if m.Key != "" {
		details = append(details, "key "+m.Key)
	}
	if m.Grade != "" {
		details = append(details, "grade "+m.Grade)
	}
	if m.Gage != "" {
		details = append(details, "gage "+m.Gage)
	}
	if m.Diameter != 0 {
		details = append(details, fmt.Sprintf("diameter %d", m.Diameter))
	}
	if len(details) == 0 {
		return fmt.Sprintf("%s (rule %s)", m.Letter, m.Rule)
	}
	return fmt.Sprintf("%s (rule %s: %s)", m.Letter, m.Rule, strings.Join(details, ", "))
}
