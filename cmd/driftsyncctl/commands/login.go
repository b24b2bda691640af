package commands

import (
	"fmt"
	"net/url"

	"github.com/driftsync/driftsync/internal/cli/credentials"
	"github.com/driftsync/driftsync/internal/cli/prompt"
	"github.com/driftsync/driftsync/internal/cli/timeutil"
	"github.com/driftsync/driftsync/pkg/apiclient"
	"github.com/spf13/cobra"
)

var (
	loginServer string
	loginDevice string
	loginSecret string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with a DriftSync coordinator",
	Long: `Authenticate with a DriftSync coordinator and store the session.

On first login, you must specify the server URL. Subsequent logins reuse
the stored server URL unless overridden.

Examples:
  # First login
  driftsyncctl login --server http://localhost:8080 --device laptop-1

  # Secret on the command line (less secure)
  driftsyncctl login --server http://localhost:8080 --device laptop-1 --secret hunter2hunter2

  # Re-login to the stored server
  driftsyncctl login`,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginServer, "server", "", "Coordinator URL (required on first login)")
	loginCmd.Flags().StringVar(&loginDevice, "device", "", "Device ID")
	loginCmd.Flags().StringVar(&loginSecret, "secret", "", "Device secret (prompted when omitted)")
}

func runLogin(cmd *cobra.Command, args []string) error {
	store, err := credentials.NewStore()
	if err != nil {
		return fmt.Errorf("failed to initialize credential store: %w", err)
	}

	var previous *credentials.Session
	if s, err := store.Current(); err == nil {
		previous = s
	}

	serverURL := loginServer
	if serverURL == "" && previous != nil {
		serverURL = previous.ServerURL
	}
	if serverURL == "" {
		return fmt.Errorf("no server URL specified and no saved session found\n\n" +
			"Specify the server URL:\n" +
			"  driftsyncctl login --server http://localhost:8080 --device <device-id>")
	}
	if _, err := url.ParseRequestURI(serverURL); err != nil {
		return fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}

	deviceID := loginDevice
	if deviceID == "" && previous != nil {
		deviceID = previous.DeviceID
	}
	if deviceID == "" {
		deviceID, err = prompt.InputRequired("Device ID")
		if err != nil {
			return err
		}
	}

	secret := loginSecret
	if secret == "" {
		secret, err = prompt.Password("Device secret")
		if err != nil {
			return err
		}
	}

	token, err := apiclient.New(serverURL).Token(deviceID, secret)
	if err != nil {
		if apiclient.IsUnauthorized(err) {
			return fmt.Errorf("login failed: invalid device credentials")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	if err := store.Save(&credentials.Session{
		ServerURL:   serverURL,
		DeviceID:    deviceID,
		AccessToken: token.AccessToken,
		ExpiresAt:   token.ExpiresAt,
	}); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Logged in as %s on %s\n", deviceID, serverURL)
	fmt.Printf("Token expires at %s\n", token.ExpiresAt.Local().Format(timeutil.LocalTimeFormat))
	return nil
}
