// ABOUTME: On-disk credential handling for provisioned Matrix accounts
// ABOUTME: One JSON file per agent under the credentials directory

package matrix

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// errNoCredentials indicates the agent has not been provisioned yet.
var errNoCredentials = errors.New("no stored credentials")

// credentials is the provisioned identity for one agent. The pairing flow
// writes this file; the connector only reads and deletes it.
type credentials struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id,omitempty"`
}

func credentialsPath(dir, agentID string) string {
	return filepath.Join(dir, agentID+".json")
}

// loadCredentials reads the agent's credential file. Returns
// errNoCredentials when the file does not exist.
func loadCredentials(dir, agentID string) (*credentials, error) {
	data, err := os.ReadFile(credentialsPath(dir, agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}
	if creds.UserID == "" || creds.AccessToken == "" {
		return nil, fmt.Errorf("credentials for %s are incomplete", agentID)
	}
	return &creds, nil
}

// purgeCredentials removes the agent's credential file. Missing files are
// not an error.
func purgeCredentials(dir, agentID string) error {
	err := os.Remove(credentialsPath(dir, agentID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
