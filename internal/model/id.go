package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

type IDType string

const IDTypeJob IDType = "job"

var validIDTypes = map[IDType]bool{
	IDTypeJob: true,
}

var idRegex = regexp.MustCompile(`^job_[0-9]{10}_[0-9a-f]{8}$`)

// GenerateID returns "<type>_<unix seconds>_<8 hex chars>". The random suffix
// keeps ids unique within the same second.
func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	return fmt.Sprintf("%s_%010d_%s", idType, time.Now().Unix(), hex.EncodeToString(suffix)), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}
