// Package cmdutil provides shared utilities for driftsyncctl commands.
package cmdutil

import (
	"fmt"
	"io"
	"os"

	"github.com/driftsync/driftsync/internal/cli/credentials"
	"github.com/driftsync/driftsync/internal/cli/output"
	"github.com/driftsync/driftsync/internal/cli/prompt"
	"github.com/driftsync/driftsync/pkg/apiclient"
)

// Flags stores global flag values accessible by subcommands.
var Flags = &GlobalFlags{}

// GlobalFlags holds the global flag values.
type GlobalFlags struct {
	ServerURL string
	Token     string
	Output    string
	NoColor   bool
}

// GetClient returns an unauthenticated API client. It uses the --server
// flag if provided, otherwise the stored session's server URL.
func GetClient() (*apiclient.Client, error) {
	if Flags.ServerURL != "" {
		return apiclient.New(Flags.ServerURL), nil
	}

	store, err := credentials.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	session, err := store.Current()
	if err == nil && session.ServerURL != "" {
		return apiclient.New(session.ServerURL), nil
	}

	return nil, fmt.Errorf("no server URL configured. Use --server or run 'driftsyncctl login --server <url>' first")
}

// GetAuthenticatedClient returns an API client with a bearer token. Explicit
// --server and --token flags win; otherwise the stored session is used.
func GetAuthenticatedClient() (*apiclient.Client, error) {
	if Flags.ServerURL != "" && Flags.Token != "" {
		return apiclient.New(Flags.ServerURL).WithToken(Flags.Token), nil
	}

	store, err := credentials.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	session, err := store.Current()
	if err != nil {
		return nil, err
	}

	url := session.ServerURL
	if Flags.ServerURL != "" {
		url = Flags.ServerURL
	}
	tok := session.AccessToken
	if Flags.Token != "" {
		tok = Flags.Token
	} else if session.IsExpired() {
		return nil, fmt.Errorf("session expired. Run 'driftsyncctl login' to re-authenticate")
	}

	return apiclient.New(url).WithToken(tok), nil
}

// GetOutputFormatParsed returns the parsed output format.
func GetOutputFormatParsed() (output.Format, error) {
	return output.ParseFormat(Flags.Output)
}

// IsColorDisabled returns whether color output is disabled.
func IsColorDisabled() bool {
	return Flags.NoColor
}

// PrintResource prints a resource in the configured format. Table format
// uses the provided renderer; JSON and YAML marshal the resource directly.
func PrintResource(w io.Writer, data any, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintOutput prints data in the configured format. Table format displays
// emptyMsg when there is nothing to show.
func PrintOutput(w io.Writer, data any, isEmpty bool, emptyMsg string, tableRenderer output.TableRenderer) error {
	format, err := GetOutputFormatParsed()
	if err != nil {
		return err
	}

	switch format {
	case output.FormatJSON:
		return output.PrintJSON(w, data)
	case output.FormatYAML:
		return output.PrintYAML(w, data)
	default:
		if isEmpty {
			_, _ = fmt.Fprintln(w, emptyMsg)
			return nil
		}
		return output.PrintTable(w, tableRenderer)
	}
}

// PrintSuccess prints a success message if the output format is table.
func PrintSuccess(msg string) {
	format, err := GetOutputFormatParsed()
	if err != nil || format != output.FormatTable {
		return
	}
	printer := output.NewPrinter(os.Stdout, format, !IsColorDisabled())
	printer.Success(msg)
}

// RunDeleteWithConfirmation prompts for confirmation (unless force is true)
// and runs deleteFn.
func RunDeleteWithConfirmation(resourceType, name string, force bool, deleteFn func() error) error {
	confirmed, err := prompt.ConfirmWithForce(fmt.Sprintf("Delete %s '%s'?", resourceType, name), force)
	if err != nil {
		if prompt.IsAborted(err) {
			fmt.Println("\nAborted.")
			return nil
		}
		return err
	}
	if !confirmed {
		fmt.Println("Aborted.")
		return nil
	}
	return deleteFn()
}
