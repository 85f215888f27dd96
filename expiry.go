package syncdb

import (
	"encoding/binary"
	"time"
)

// sweepExpired purges the documents of one collection whose expiration is
// at or before nowMs.
func (tx *tx) sweepExpired(cs *collectionState, nowMs int64) (int, error) {
	exps := tx.stx.Bucket(cs.bucket(), expBucket)
	var ids []string
	c := exps.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if len(k) < 8 || int64(binary.BigEndian.Uint64(k)) > nowMs {
			break
		}
		ids = append(ids, string(k[8:]))
	}

	var n int
	for _, id := range ids {
		rec, err := tx.loadRecord(cs, id)
		if err != nil {
			return n, err
		}
		if rec == nil || !rec.expired(nowMs) {
			continue
		}
		if err := tx.purgeRecord(cs, id, rec); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (tx *tx) sweepAllExpired(nowMs int64) (int, error) {
	states, err := tx.allCollectionStates()
	if err != nil {
		return 0, err
	}
	var total int
	for _, cs := range states {
		n, err := tx.sweepExpired(cs, nowMs)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *engine) purgeExpired() (int, error) {
	var n int
	err := e.update(func(tx *tx) error {
		var err error
		n, err = tx.sweepAllExpired(e.now().UnixMilli())
		return err
	})
	return n, err
}

func (e *engine) runSweeper(interval time.Duration) {
	defer close(e.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepStop:
			return
		case <-ticker.C:
			n, err := e.purgeExpired()
			if err != nil {
				e.log.Error().Err(err).Msg("db: expiration sweep failed")
			} else if n > 0 {
				e.log.Debug().Int("purged", n).Msg("db: expired documents purged")
			}
		}
	}
}
