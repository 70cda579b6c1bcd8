package iscsi_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/goiscsi/iscsid/internal/iscsi"
	"github.com/goiscsi/iscsid/internal/pdu"
)

func TestReconcileKeyRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key      string
		proposed string
		response string
		want     string
	}{
		// Spec scenario: min / agreement / AND reconciliation.
		{pdu.KeyMaxConnections, "4", "2", "2"},
		{pdu.KeyHeaderDigest, "CRC32C", "None", "None"},
		{pdu.KeyImmediateData, "Yes", "No", "No"},
		{pdu.KeyMaxBurstLength, "262144", "131072", "131072"},

		{pdu.KeyInitialR2T, "No", "Yes", "Yes"},
		{pdu.KeyInitialR2T, "No", "No", "No"},
		{pdu.KeyDataPDUInOrder, "Yes", "Yes", "Yes"},
		{pdu.KeyDataDigest, "CRC32C", "CRC32C", "CRC32C"},
		{pdu.KeyDefaultTime2Wait, "2", "10", "2"},
		{pdu.KeyDefaultTime2Retain, "20", "0", "0"},
		{pdu.KeyErrorRecoveryLevel, "2", "0", "0"},
		{pdu.KeyMaxOutstandingR2T, "1", "8", "1"},
		// Declarative: the target's declared receive limit stands.
		{pdu.KeyMaxRecvDataSegmentLength, "8192", "65536", "65536"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s_%s", tt.key, tt.proposed, tt.response), func(t *testing.T) {
			t.Parallel()

			got, err := iscsi.ReconcileKey(tt.key, tt.proposed, tt.response)
			if err != nil {
				t.Fatalf("ReconcileKey: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReconcileKey(%s, %s, %s) = %s, want %s",
					tt.key, tt.proposed, tt.response, got, tt.want)
			}
		})
	}
}

func TestReconcileKeyBoundaries(t *testing.T) {
	t.Parallel()

	// min-1 and max+1 must be rejected; min and max accepted.
	tests := []struct {
		key     string
		value   string
		wantErr bool
	}{
		{pdu.KeyMaxConnections, "0", true},
		{pdu.KeyMaxConnections, "1", false},
		{pdu.KeyMaxConnections, "65535", false},
		{pdu.KeyMaxConnections, "65536", true},
		{pdu.KeyMaxBurstLength, "511", true},
		{pdu.KeyMaxBurstLength, "512", false},
		{pdu.KeyMaxBurstLength, "16777215", false},
		{pdu.KeyMaxBurstLength, "16777216", true},
		{pdu.KeyFirstBurstLength, "511", true},
		{pdu.KeyFirstBurstLength, "512", false},
		{pdu.KeyDefaultTime2Wait, "3600", false},
		{pdu.KeyDefaultTime2Wait, "3601", true},
		{pdu.KeyDefaultTime2Retain, "3601", true},
		{pdu.KeyErrorRecoveryLevel, "2", false},
		{pdu.KeyErrorRecoveryLevel, "3", true},
		{pdu.KeyMaxOutstandingR2T, "0", true},
		{pdu.KeyMaxOutstandingR2T, "65536", true},
		{pdu.KeyMaxRecvDataSegmentLength, "511", true},
		{pdu.KeyMaxRecvDataSegmentLength, "512", false},
	}

	for _, tt := range tests {
		t.Run(tt.key+"_"+tt.value, func(t *testing.T) {
			t.Parallel()

			_, err := iscsi.ReconcileKey(tt.key, tt.value, tt.value)
			if tt.wantErr && !errors.Is(err, iscsi.ErrUnsupportedParameter) {
				t.Errorf("err = %v, want ErrUnsupportedParameter", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestReconcileKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := iscsi.ReconcileKey(pdu.KeyMaxConnections, "2", "banana"); !errors.Is(err, iscsi.ErrUnsupportedParameter) {
		t.Errorf("non-numeric response: err = %v, want ErrUnsupportedParameter", err)
	}
	if _, err := iscsi.ReconcileKey("NoSuchKey", "a", "b"); !errors.Is(err, iscsi.ErrUnsupportedParameter) {
		t.Errorf("unknown key: err = %v, want ErrUnsupportedParameter", err)
	}
	if _, err := iscsi.ReconcileKey(pdu.KeyHeaderDigest, "CRC32C", "MD5"); !errors.Is(err, iscsi.ErrUnsupportedParameter) {
		t.Errorf("unknown digest: err = %v, want ErrUnsupportedParameter", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	t.Parallel()

	proposal := map[string]string{
		pdu.KeyMaxConnections:           "4",
		pdu.KeyInitialR2T:               "No",
		pdu.KeyImmediateData:            "Yes",
		pdu.KeyMaxBurstLength:           "262144",
		pdu.KeyFirstBurstLength:         "65536",
		pdu.KeyMaxOutstandingR2T:        "1",
		pdu.KeyDataPDUInOrder:           "Yes",
		pdu.KeyDataSequenceInOrder:      "Yes",
		pdu.KeyDefaultTime2Wait:         "2",
		pdu.KeyDefaultTime2Retain:       "20",
		pdu.KeyErrorRecoveryLevel:       "0",
		pdu.KeyHeaderDigest:             "CRC32C",
		pdu.KeyDataDigest:               "None",
		pdu.KeyMaxRecvDataSegmentLength: "8192",
	}
	response := map[string]string{
		pdu.KeyMaxConnections:           "2",
		pdu.KeyInitialR2T:               "Yes",
		pdu.KeyImmediateData:            "No",
		pdu.KeyMaxBurstLength:           "131072",
		pdu.KeyFirstBurstLength:         "65536",
		pdu.KeyMaxOutstandingR2T:        "4",
		pdu.KeyDataPDUInOrder:           "Yes",
		pdu.KeyDataSequenceInOrder:      "No",
		pdu.KeyDefaultTime2Wait:         "5",
		pdu.KeyDefaultTime2Retain:       "10",
		pdu.KeyErrorRecoveryLevel:       "0",
		pdu.KeyHeaderDigest:             "None",
		pdu.KeyDataDigest:               "None",
		pdu.KeyMaxRecvDataSegmentLength: "65536",
	}

	final, err := iscsi.Reconcile(proposal, response)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// Applying the rules to (proposal, final) yields final again.
	again, err := iscsi.Reconcile(proposal, final)
	if err != nil {
		t.Fatalf("Reconcile(proposal, final): %v", err)
	}
	for k, v := range final {
		if again[k] != v {
			t.Errorf("key %s: second pass %s, first pass %s", k, again[k], v)
		}
	}
}

func TestReconcileMissingRequiredKey(t *testing.T) {
	t.Parallel()

	proposal := map[string]string{pdu.KeyMaxConnections: "4"}
	if _, err := iscsi.Reconcile(proposal, map[string]string{}); !errors.Is(err, iscsi.ErrUnsupportedParameter) {
		t.Errorf("err = %v, want ErrUnsupportedParameter", err)
	}

	// Declarative keys need no answer: the proposal stands.
	proposal = map[string]string{pdu.KeyMaxRecvDataSegmentLength: "8192"}
	got, err := iscsi.Reconcile(proposal, map[string]string{})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got[pdu.KeyMaxRecvDataSegmentLength] != "8192" {
		t.Errorf("declarative key = %s, want 8192", got[pdu.KeyMaxRecvDataSegmentLength])
	}
}
