package policy

import "testing"

func TestDecideCase1DropNoRecordIgnoredPackage(t *testing.T) {
	d := Decide(false, "evilpkg", "proc", false, true)
	if d.Action != Drop {
		t.Errorf("expected Drop, got %s", d.Action)
	}
}

func TestDecideCase2InsertOrdinary(t *testing.T) {
	d := Decide(false, "firefox", "firefox", false, false)
	if d.Action != Insert {
		t.Fatalf("expected Insert, got %s", d.Action)
	}
	if d.CreatedByPackage != "firefox" || d.CreatedByProcess != "firefox" {
		t.Errorf("unexpected created fields: %+v", d)
	}
	if d.LastAccessedByPackage != "firefox" || d.LastAccessedByProcess != "firefox" {
		t.Errorf("unexpected last_accessed fields: %+v", d)
	}
}

func TestDecideCase3InsertIgnoredProcessStampsUnknown(t *testing.T) {
	d := Decide(false, "coreutils", "cat", true, false)
	if d.Action != Insert {
		t.Fatalf("expected Insert, got %s", d.Action)
	}
	if d.CreatedByPackage != "unknown" {
		t.Errorf("expected created_by_package = unknown, got %s", d.CreatedByPackage)
	}
	if d.CreatedByProcess != "cat" {
		t.Errorf("expected created_by_process = cat, got %s", d.CreatedByProcess)
	}
	if d.LastAccessedByPackage != "coreutils" {
		t.Errorf("expected last_accessed_by_package = coreutils, got %s", d.LastAccessedByPackage)
	}
}

func TestDecideCase4DropExistingIgnoredPackage(t *testing.T) {
	d := Decide(true, "evilpkg", "proc", false, true)
	if d.Action != Drop {
		t.Errorf("expected Drop, got %s", d.Action)
	}
}

func TestDecideCase5UpdateAccessOrdinary(t *testing.T) {
	d := Decide(true, "myapp", "myapp", false, false)
	if d.Action != UpdateAccess {
		t.Fatalf("expected UpdateAccess, got %s", d.Action)
	}
	if d.LastAccessedByPackage != "myapp" || d.LastAccessedByProcess != "myapp" {
		t.Errorf("unexpected fields: %+v", d)
	}
	if d.CreatedByPackage != "" {
		t.Errorf("expected created fields untouched (empty), got %+v", d)
	}
}

func TestDecideCase6UpdateAccessIgnoredProcessStillUpdates(t *testing.T) {
	// Case 6: the *accessor* is an ignored process and the record already
	// exists from a prior write — last_accessed still updates.
	d := Decide(true, "coreutils", "cat", true, false)
	if d.Action != UpdateAccess {
		t.Fatalf("expected UpdateAccess, got %s", d.Action)
	}
	if d.LastAccessedByPackage != "coreutils" {
		t.Errorf("expected last_accessed_by_package = coreutils, got %s", d.LastAccessedByPackage)
	}
}

func TestDecideScenario4SubsequentLegitCreatorDoesNotOverwrite(t *testing.T) {
	// myapp (non-ignored) touches a record whose creator was already
	// stamped unknown by an earlier ignored observer. UpdateAccess never
	// carries created_* fields, so the store layer leaves them untouched.
	d := Decide(true, "myapp", "myapp", false, false)
	if d.Action != UpdateAccess {
		t.Fatalf("expected UpdateAccess, got %s", d.Action)
	}
	if d.CreatedByPackage != "" {
		t.Error("policy must never set created_* fields on UpdateAccess")
	}
}
