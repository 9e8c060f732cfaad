package config

import "testing"

func TestCollection_SequencePath(t *testing.T) {
	c := Collection{SequenceInData: true}
	if got := c.SequencePath(); got != "data.sequence" {
		t.Errorf("SequencePath() = %q, want data.sequence", got)
	}

	c.SequenceInData = false
	if got := c.SequencePath(); got != "meta.sequence" {
		t.Errorf("SequencePath() = %q, want meta.sequence", got)
	}
}

func TestCollection_ProxyName(t *testing.T) {
	c := Collection{Name: "accounts"}
	if got := c.ProxyName("email"); got != "accounts-email" {
		t.Errorf("ProxyName(email) = %q, want accounts-email", got)
	}
}

func TestCollection_RetryAttempts(t *testing.T) {
	c := Collection{}
	if got := c.RetryAttempts(); got != DefaultMaxRetryAttempts {
		t.Errorf("RetryAttempts() = %d, want default %d", got, DefaultMaxRetryAttempts)
	}

	c.MaxRetryAttempts = 3
	if got := c.RetryAttempts(); got != 3 {
		t.Errorf("RetryAttempts() = %d, want 3", got)
	}
}

func TestCollection_Validate(t *testing.T) {
	tests := []struct {
		name    string
		coll    Collection
		wantErr bool
	}{
		{"valid", Collection{Name: "accounts", DataField: "data"}, false},
		{"missing name", Collection{DataField: "data"}, true},
		{"missing data field", Collection{Name: "accounts"}, true},
		{"duplicate unique field", Collection{Name: "a", DataField: "data", UniqueFields: []string{"email", "email"}}, true},
		{"empty unique field", Collection{Name: "a", DataField: "data", UniqueFields: []string{""}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.coll.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
