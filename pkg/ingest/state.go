package ingest

import "fmt"

// canProcess checks whether the analyze/derive stage may run for a record.
// Re-running on a derived record is allowed; jobs can be delivered twice.
func canProcess(rec *FileRecord) (bool, error) {
	if rec.Stored {
		return false, fmt.Errorf("%w: file %d is already stored", ErrInvalidState, rec.ID)
	}
	switch rec.State {
	case StateAnalyzed, StateDerived:
		return true, nil
	case StateStaged:
		return false, fmt.Errorf("%w: file %d has not been analyzed yet (state: %s)", ErrInvalidState, rec.ID, rec.State)
	case StateDeleted:
		return false, fmt.Errorf("%w: file %d has been deleted", ErrInvalidState, rec.ID)
	default:
		return false, fmt.Errorf("%w: unknown state %s", ErrInvalidState, rec.State)
	}
}

// canStore checks whether a record is ready to move into durable storage.
func canStore(rec *FileRecord) (bool, error) {
	switch rec.State {
	case StateDerived:
		return true, nil
	case StateStored:
		return false, fmt.Errorf("%w: file %d is already stored", ErrInvalidState, rec.ID)
	case StateStaged, StateAnalyzed:
		return false, fmt.Errorf("%w: file %d has not been processed yet (state: %s)", ErrInvalidState, rec.ID, rec.State)
	case StateDeleted:
		return false, fmt.Errorf("%w: file %d has been deleted", ErrInvalidState, rec.ID)
	default:
		return false, fmt.Errorf("%w: unknown state %s", ErrInvalidState, rec.State)
	}
}

// canReanalyze checks whether a record has been through analysis and can
// have it re-run.
func canReanalyze(rec *FileRecord) (bool, error) {
	switch rec.State {
	case StateDerived, StateStored:
		return true, nil
	case StateStaged, StateAnalyzed:
		return false, fmt.Errorf("%w: file %d has not been processed yet (state: %s)", ErrInvalidState, rec.ID, rec.State)
	case StateDeleted:
		return false, fmt.Errorf("%w: file %d has been deleted", ErrInvalidState, rec.ID)
	default:
		return false, fmt.Errorf("%w: unknown state %s", ErrInvalidState, rec.State)
	}
}

// canUseLocalPath checks whether the staging copy of a record is still
// authoritative.
func canUseLocalPath(rec *FileRecord) (bool, error) {
	if rec.Stored {
		return false, fmt.Errorf("%w: file %d is stored, local staging path is gone", ErrInvalidState, rec.ID)
	}
	return true, nil
}

// canUseWebPath checks whether a record has durable bytes to point at.
func canUseWebPath(rec *FileRecord) (bool, error) {
	if !rec.Stored {
		return false, fmt.Errorf("%w: file %d is not stored yet (state: %s)", ErrInvalidState, rec.ID, rec.State)
	}
	return true, nil
}

// checkRepresentation rejects derivative representations for records that
// have none.
func checkRepresentation(rec *FileRecord, rep Representation) error {
	if _, err := rep.Dir(); err != nil {
		return err
	}
	if rep.IsDerivative() && !rec.HasDerivatives {
		return fmt.Errorf("%w: file %d has no %s", ErrRepresentationMissing, rec.ID, rep)
	}
	return nil
}
