package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidPositionKey = errors.New("model: invalid position key format")
	ErrInvalidSide        = errors.New("model: side must be long or short")
)

// keyRegex matches: {account}:{collateralToken}:{indexToken}:{long|short}
// Token symbols and accounts are upper/lowercase alphanumerics plus - and _.
var keyRegex = regexp.MustCompile(
	`^([A-Za-z0-9_-]+):([A-Za-z0-9_-]+):([A-Za-z0-9_-]+):(long|short)$`,
)

// PositionKey builds the canonical position key for one
// (account, collateral, index, side) tuple.
func PositionKey(account, collateralToken, indexToken string, side Side) string {
	return strings.Join([]string{account, collateralToken, indexToken, string(side)}, ":")
}

// ParsePositionKey parses and validates a position key string.
// Format: {account}:{collateralToken}:{indexToken}:{long|short}
func ParsePositionKey(key string) (account, collateralToken, indexToken string, side Side, err error) {
	matches := keyRegex.FindStringSubmatch(key)
	if matches == nil {
		return "", "", "", "", fmt.Errorf("%w: %s (expected account:collateral:index:side)",
			ErrInvalidPositionKey, key)
	}
	return matches[1], matches[2], matches[3], Side(matches[4]), nil
}

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case Long:
		return Long, nil
	case Short:
		return Short, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidSide, s)
	}
}
