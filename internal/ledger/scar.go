package ledger

// Metadata keys with a fixed meaning across the ledger.
const (
	// MetaResult carries "PASS" or "FAIL" on VERIFIED entries.
	MetaResult = "result"

	MetaTamperedEntryID     = "tampered_entry_id"
	MetaTamperedSubjectType = "tampered_subject_type"
	MetaTamperedSubjectID   = "tampered_subject_id"
	MetaFailureKind         = "kind"
	MetaExpectedHash        = "expected"
	MetaActualHash          = "actual"
)

// Verification results recorded under MetaResult.
const (
	ResultPass = "PASS"
	ResultFail = "FAIL"
)

// ScarRequest builds the SYSTEM TAMPER_DETECTED entry that records f. The
// tampered entry, when it can still be read, contributes its subject;
// parties are listed as the scar's counterparties so it shows up in their
// views.
func ScarRequest(f Failure, tampered *Entry, parties []int64) AppendRequest {
	md := map[string]any{
		MetaTamperedEntryID: f.EntryID,
		MetaFailureKind:     string(f.Kind),
		MetaExpectedHash:    f.Expected,
		MetaActualHash:      f.Actual,
	}
	if tampered != nil {
		md[MetaTamperedSubjectType] = string(tampered.SubjectType)
		if tampered.SubjectID != nil {
			md[MetaTamperedSubjectID] = *tampered.SubjectID
		}
	}
	if len(parties) > 0 {
		md[MetaCounterparties] = parties
	}
	return AppendRequest{
		SubjectType: SubjectSystem,
		Action:      ActionTamperDetected,
		Metadata:    md,
	}
}

// ScarredEntryID returns the entry id a TAMPER_DETECTED scar refers to.
func ScarredEntryID(e *Entry) (int64, bool) {
	if e.Action != ActionTamperDetected {
		return 0, false
	}
	return e.Metadata.Int64(MetaTamperedEntryID)
}
