package main

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBidValueLimit(t *testing.T) {
	errorCases := []string{
		"",
		"/",
		"5/1y",
		"abc/24h",
		"-5/24h",
	}
	validCases := []string{
		"10000/24h",
		"500 / 1h",
		"0/128h",
	}
	for _, s := range errorCases {
		_, err := parseBidValueLimit(s)
		require.Error(t, err)
	}

	for _, s := range validCases {
		_, err := parseBidValueLimit(s)
		require.NoError(t, err)
	}
}

func TestOffersListFields(t *testing.T) {
	value := reflect.ValueOf(offerView{})
	// make sure the field names are up-to-date with the struct definition.
	for _, field := range offersListFields {
		assert.True(t, value.FieldByName(field).IsValid())
	}
}
