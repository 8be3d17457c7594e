package dialer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePhoneNumber(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plain e164", "+14155552671", "+14155552671", false},
		{"formatted", "+1 (415) 555-2671", "+14155552671", false},
		{"letters stripped", "+1415abc5552671", "+14155552671", false},
		{"missing plus", "14155552671", "", true},
		{"too short", "+123456", "", true},
		{"too long", "+1234567890123456", "", true},
		{"empty", "", "", true},
		{"plus only", "+", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePhoneNumber(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "Invalid phone number format")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateContext(t *testing.T) {
	_, err := ValidateContext("outbound-ivr")
	assert.NoError(t, err)

	_, err = ValidateContext("outbound_ivr2")
	assert.NoError(t, err)

	_, err = ValidateContext("bad;drop table")
	assert.Error(t, err)

	_, err = ValidateContext("")
	assert.Error(t, err)

	_, err = ValidateContext(strings.Repeat("a", 65))
	assert.Error(t, err)
}

func TestValidateExtension(t *testing.T) {
	_, err := ValidateExtension("s")
	assert.NoError(t, err)

	_, err = ValidateExtension("1000")
	assert.NoError(t, err)

	_, err = ValidateExtension("ext-1")
	assert.Error(t, err)

	_, err = ValidateExtension(strings.Repeat("9", 33))
	assert.Error(t, err)
}

func TestSanitizeCallerID(t *testing.T) {
	assert.Equal(t, "Support <100>", SanitizeCallerID(`Support <100>`))
	assert.Equal(t, "Outbound (Main) - x1", SanitizeCallerID("Outbound (Main) - x1"))
	assert.Equal(t, "evil", SanitizeCallerID(`evil";{}`))
	assert.Equal(t, "", SanitizeCallerID(""))

	long := SanitizeCallerID(strings.Repeat("A", 200))
	assert.Len(t, long, 128)
}

func TestValidatePriorityAndTimeout(t *testing.T) {
	assert.NoError(t, ValidatePriority(1))
	assert.NoError(t, ValidatePriority(10))
	assert.Error(t, ValidatePriority(0))
	assert.Error(t, ValidatePriority(11))

	assert.NoError(t, ValidateTimeout(30000))
	assert.NoError(t, ValidateTimeout(600000))
	assert.Error(t, ValidateTimeout(0))
	assert.Error(t, ValidateTimeout(600001))
}
