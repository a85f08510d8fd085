package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/grimoire-rpg/grimoire/runtime"
	"github.com/grimoire-rpg/grimoire/system"
)

var (
	executeFlow    string
	executeInputs  []string
	executeOutput  string
	noInteractive  bool
	executeDumpVar bool
)

var executeCmd = &cobra.Command{
	Use:   "execute <path> --flow <id>",
	Short: "Run a flow from a system package",
	Long: `Execute runs one flow. Steps that need player input (choices,
free-form answers) prompt interactively when stdin is a terminal.
With --no-interactive, or when stdin is not a terminal, a flow that
asks for input fails instead.

Flow inputs are passed with repeated --input key=value flags; values
parse as YAML scalars, so --input level=3 arrives as a number.`,
	Example: `  grimoire execute ./examples/fantasy --flow create_character
  grimoire execute ./examples/fantasy --flow award_loot --input challenge=5 --output loot.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if executeFlow == "" {
			return fmt.Errorf("--flow is required")
		}
		sys, err := loadSystem(args[0])
		if err != nil {
			return err
		}
		flow, ok := sys.Flows[executeFlow]
		if !ok {
			return fmt.Errorf("flow %q not found; system has: %s",
				executeFlow, strings.Join(sys.FlowIDs(), ", "))
		}
		eng, err := buildEngine(sys)
		if err != nil {
			return err
		}

		inputs, err := parseInputFlags(executeInputs)
		if err != nil {
			return err
		}
		interactive := !noInteractive && term.IsTerminal(int(os.Stdin.Fd()))
		if interactive {
			if err := promptMissingInputs(flow, inputs); err != nil {
				return err
			}
		}

		fmt.Println(renderHead(flow.Name))
		outcome, err := eng.Run(cmd.Context(), executeFlow, inputs)
		if err != nil {
			return err
		}

		for outcome.Paused() {
			pending := outcome.Pending
			printMessages(pending.Messages)
			if !interactive {
				if _, cerr := eng.Cancel(pending.ExecutionID); cerr != nil {
					logger.Debug("cancel after pause failed", "error", cerr)
				}
				return fmt.Errorf("flow paused for player input at step %s; rerun without --no-interactive", pending.StepID)
			}
			answer, perr := promptPending(pending)
			if perr != nil {
				if _, cerr := eng.Cancel(pending.ExecutionID); cerr != nil {
					logger.Debug("cancel after abort failed", "error", cerr)
				}
				return perr
			}
			outcome, err = eng.Resume(cmd.Context(), pending.ExecutionID, answer)
			if err != nil {
				return err
			}
		}

		result := outcome.Result
		printMessages(result.Messages)
		printResult(result)
		if executeOutput != "" {
			if err := writeResult(executeOutput, result); err != nil {
				return err
			}
			fmt.Println(renderMute("wrote " + executeOutput))
		}
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	executeCmd.Flags().StringVarP(&executeFlow, "flow", "f", "", "flow id to run (required)")
	executeCmd.Flags().StringArrayVarP(&executeInputs, "input", "i", nil, "flow input as key=value (repeatable)")
	executeCmd.Flags().StringVarP(&executeOutput, "output", "o", "", "write the result JSON to this file")
	executeCmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "fail instead of prompting for player input")
	executeCmd.Flags().BoolVar(&executeDumpVar, "show-variables", false, "include flow variables in the printed result")
	rootCmd.AddCommand(executeCmd)
}

// parseInputFlags turns repeated key=value flags into flow inputs.
// Values go through the YAML scalar parser so numbers and booleans
// arrive typed.
func parseInputFlags(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --input %q, expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}

// promptMissingInputs asks for required flow inputs that were not
// given on the command line.
func promptMissingInputs(flow *system.Flow, inputs map[string]any) error {
	var fields []huh.Field
	answers := make(map[string]*string)
	for _, in := range flow.Inputs {
		if _, ok := inputs[in.Name]; ok {
			continue
		}
		if !(in.Required == nil || *in.Required) || in.Default != nil {
			continue
		}
		s := new(string)
		answers[in.Name] = s
		field := huh.NewInput().
			Title(in.Name).
			Description(in.Description).
			Value(s)
		fields = append(fields, field)
	}
	if len(fields) == 0 {
		return nil
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		if err == huh.ErrUserAborted {
			return fmt.Errorf("cancelled")
		}
		return err
	}
	for name, s := range answers {
		var v any
		if err := yaml.Unmarshal([]byte(*s), &v); err != nil {
			v = *s
		}
		inputs[name] = v
	}
	return nil
}

// promptPending renders one paused step as a terminal form and returns
// the player's answer in the shape the engine resumes with.
func promptPending(p *runtime.Pending) (any, error) {
	if len(p.Choices) > 0 {
		return promptChoice(p)
	}
	var answer string
	err := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(p.Prompt).Value(&answer),
	)).Run()
	if err != nil {
		if err == huh.ErrUserAborted {
			return nil, fmt.Errorf("cancelled")
		}
		return nil, err
	}
	return answer, nil
}

func promptChoice(p *runtime.Pending) (any, error) {
	opts := make([]huh.Option[string], 0, len(p.Choices))
	for _, c := range p.Choices {
		opts = append(opts, huh.NewOption(c.Label, c.ID))
	}

	if p.SelectionCount > 1 {
		var picked []string
		err := huh.NewForm(huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title(p.Prompt).
				Description(fmt.Sprintf("pick %d", p.SelectionCount)).
				Options(opts...).
				Limit(p.SelectionCount).
				Value(&picked),
		)).Run()
		if err != nil {
			if err == huh.ErrUserAborted {
				return nil, fmt.Errorf("cancelled")
			}
			return nil, err
		}
		return picked, nil
	}

	var picked string
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title(p.Prompt).Options(opts...).Value(&picked),
	)).Run()
	if err != nil {
		if err == huh.ErrUserAborted {
			return nil, fmt.Errorf("cancelled")
		}
		return nil, err
	}
	return picked, nil
}

func printMessages(messages []string) {
	for _, m := range messages {
		fmt.Println(m)
	}
}

func printResult(result *runtime.FlowResult) {
	if result.Cancelled {
		fmt.Println(renderWarn("· flow cancelled"))
		return
	}
	if !result.Success {
		fmt.Printf("%s %s\n", renderFail("✗ flow failed:"), result.Error)
		if result.CompletedAtStep != "" {
			fmt.Println(renderMute("  at step " + result.CompletedAtStep))
		}
		return
	}
	fmt.Println(renderPass("✓ flow complete"))
	if len(result.Outputs) > 0 {
		fmt.Println(renderHead("outputs"))
		printYAML(result.Outputs, "  ")
	}
	if executeDumpVar && len(result.Variables) > 0 {
		fmt.Println(renderHead("variables"))
		printYAML(result.Variables, "  ")
	}
}

func printYAML(v any, indent string) {
	raw, err := yaml.Marshal(v)
	if err != nil {
		fmt.Printf("%s%v\n", indent, v)
		return
	}
	for _, line := range strings.Split(strings.TrimRight(string(raw), "\n"), "\n") {
		fmt.Println(indent + line)
	}
}

func writeResult(path string, result *runtime.FlowResult) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
