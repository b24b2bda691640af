package prompt

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
)

// ErrSecretMismatch indicates the secret and its confirmation differ.
var ErrSecretMismatch = errors.New("secrets do not match")

// Password asks for a masked value without validation, for login where the
// coordinator is the authority on what the secret should be.
func Password(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}

	result, err := prompt.Run()
	return result, wrapError(err)
}

// PasswordWithConfirmation asks for a masked value of at least minLength
// twice, for registering new device secrets.
func PasswordWithConfirmation(label, confirmLabel string, minLength int) (string, error) {
	prompt := promptui.Prompt{
		Label: label,
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < minLength {
				return fmt.Errorf("secret must be at least %d characters", minLength)
			}
			return nil
		},
	}
	secret, err := prompt.Run()
	if err != nil {
		return "", wrapError(err)
	}

	confirm, err := Password(confirmLabel)
	if err != nil {
		return "", err
	}
	if secret != confirm {
		return "", ErrSecretMismatch
	}
	return secret, nil
}
