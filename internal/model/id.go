package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type IDType string

const (
	IDTypeTask     IDType = "task"
	IDTypePlan     IDType = "plan"
	IDTypeApproval IDType = "apr"
	IDTypeJob      IDType = "job"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask:     true,
	IDTypePlan:     true,
	IDTypeApproval: true,
	IDTypeJob:      true,
}

var idRegex = regexp.MustCompile(`^(task|plan|apr|job)_[0-9]{10}_[0-9a-f]{8}$`)

// recordIDRegex bounds every store key: no path separators, no leading dot.
var recordIDRegex = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._:@+-]{0,199}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	timestamp := time.Now().Unix()
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	hexStr := hex.EncodeToString(randomBytes)

	return fmt.Sprintf("%s_%010d_%s", idType, timestamp, hexStr), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

// ValidateRecordID reports whether id can be used as a store key.
func ValidateRecordID(id string) error {
	if !recordIDRegex.MatchString(id) {
		return fmt.Errorf("invalid record id %q", id)
	}
	return nil
}

func ParseIDType(id string) (IDType, error) {
	if !ValidateID(id) {
		return "", fmt.Errorf("invalid ID format: %s", id)
	}
	match := idRegex.FindStringSubmatch(id)
	return IDType(match[1]), nil
}

func ParseIDTimestamp(id string) (time.Time, error) {
	if !ValidateID(id) {
		return time.Time{}, fmt.Errorf("invalid ID format: %s", id)
	}
	tsStr := id[len(id)-19 : len(id)-9]
	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
