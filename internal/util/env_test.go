package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterEnv_includes_safe_vars_and_prefixes(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("LANG", "en_US.UTF-8")
	t.Setenv("LC_CTYPE", "UTF-8")
	t.Setenv("SSL_CERT_FILE", "/etc/ssl/cert.pem")

	result := FilterEnv(nil)

	assert.Contains(t, result, "PATH=/usr/bin")
	assert.Contains(t, result, "LANG=en_US.UTF-8")
	assert.Contains(t, result, "LC_CTYPE=UTF-8")
	assert.Contains(t, result, "SSL_CERT_FILE=/etc/ssl/cert.pem")
}

func TestFilterEnv_excludes_secrets(t *testing.T) {
	secrets := []string{"AWS_SECRET_ACCESS_KEY", "API_TOKEN", "PIP_INDEX_URL", "GITHUB_TOKEN"}
	for _, s := range secrets {
		t.Setenv(s, "secret-value")
	}

	result := FilterEnv(nil)

	for _, s := range secrets {
		assert.NotContains(t, result, s+"=secret-value")
	}
}

func TestFilterEnv_allows_explicit_names_and_values(t *testing.T) {
	t.Setenv("CUSTOM_SECRET", "my-secret")

	result := FilterEnv([]string{"CUSTOM_SECRET", "NEW_VAR=new-value", ""})

	assert.Contains(t, result, "CUSTOM_SECRET=my-secret")
	assert.Contains(t, result, "NEW_VAR=new-value")
}

func TestFilterEnv_host_value_wins_for_present_var(t *testing.T) {
	t.Setenv("MY_VAR", "original")

	result := FilterEnv([]string{"MY_VAR=override"})

	assert.Contains(t, result, "MY_VAR=original")
	assert.NotContains(t, result, "MY_VAR=override")
}

func TestPassEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("FEATURE_FLAG", "on")

	tests := []struct {
		name  string
		allow []string
		want  map[string]string
	}{
		{"empty_allow_list_passes_nothing", nil, map[string]string{}},
		{"bare_name_takes_host_value", []string{"FEATURE_FLAG"}, map[string]string{"FEATURE_FLAG": "on"}},
		{"unset_name_is_dropped", []string{"NOT_SET_ANYWHERE_42"}, map[string]string{}},
		{"literal_value_is_used", []string{"MODE=test"}, map[string]string{"MODE": "test"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PassEnv(tt.allow))
		})
	}
}

func TestSortedPairs(t *testing.T) {
	got := SortedPairs(map[string]string{"B": "2", "A": "1"})

	assert.Equal(t, []string{"A=1", "B=2"}, got)
}
