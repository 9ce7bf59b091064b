package outbox

import (
	"context"

	"github.com/realartists/shipsync/models"
	"github.com/realartists/shipsync/store"
)

// Up-next ordering uses fractional priorities: appends step by upNextGap,
// inserts take the midpoint between neighbors. A reorder therefore
// touches exactly one row. When a midpoint gets too close to its
// neighbors the whole list is renumbered first.
const (
	upNextGap    = 1024.0
	upNextMinGap = 1e-6
)

func upNextRows(tx *store.Tx, account models.RecordID) ([]models.UpNext, error) {
	var rows []models.UpNext
	err := tx.DB().Where("account_id = ?", account).Order("priority").Find(&rows).Error
	return rows, err
}

func compactUpNext(tx *store.Tx, rows []models.UpNext) error {
	for i := range rows {
		p := upNextGap * float64(i+1)
		if err := tx.DB().Model(&models.UpNext{}).
			Where("account_id = ? AND issue_id = ?", rows[i].AccountID, rows[i].IssueID).
			Update("priority", p).Error; err != nil {
			return err
		}
		rows[i].Priority = p
	}
	return nil
}

// AddUpNext appends issues to the end of an account's up-next list.
// Issues already present move to the end.
func (o *Outbox) AddUpNext(ctx context.Context, account models.RecordID, issueIDs []models.RecordID) error {
	return o.InsertUpNext(ctx, account, issueIDs, 0)
}

// InsertUpNext places issues immediately before the given issue, or at
// the end when before is zero. Issues already in the list move; the rest
// of the list stays put.
func (o *Outbox) InsertUpNext(ctx context.Context, account models.RecordID, issueIDs []models.RecordID, before models.RecordID) error {
	if len(issueIDs) == 0 {
		return nil
	}
	if !account.Valid() {
		return invalidf("up-next needs an account")
	}

	return o.store.Write(ctx, func(tx *store.Tx) error {
		rows, err := upNextRows(tx, account)
		if err != nil {
			return err
		}

		lo, hi, err := upNextWindow(rows, before)
		if err != nil {
			return err
		}

		// renumber when the window cannot fit the inserts
		if hi > 0 && (hi-lo) <= upNextMinGap*float64(len(issueIDs)+1) {
			if err := compactUpNext(tx, rows); err != nil {
				return err
			}
			lo, hi, err = upNextWindow(rows, before)
			if err != nil {
				return err
			}
		}

		for i, issueID := range issueIDs {
			var p float64
			if hi == 0 {
				// appending past the end
				p = lo + upNextGap*float64(i+1)
			} else {
				step := (hi - lo) / float64(len(issueIDs)+1)
				p = lo + step*float64(i+1)
			}

			row := models.UpNext{AccountID: account, IssueID: issueID, Priority: p}
			if err := tx.DB().Save(&row).Error; err != nil {
				return err
			}
		}
		tx.Touch(models.KindUpNext, issueIDs...)
		return nil
	})
}

// upNextWindow returns the open interval (lo, hi) the inserts must land
// in. hi == 0 means "after the last row".
func upNextWindow(rows []models.UpNext, before models.RecordID) (float64, float64, error) {
	if before == 0 {
		if len(rows) == 0 {
			return 0, 0, nil
		}
		return rows[len(rows)-1].Priority, 0, nil
	}

	for i := range rows {
		if rows[i].IssueID == before {
			if i == 0 {
				return 0, rows[0].Priority, nil
			}
			return rows[i-1].Priority, rows[i].Priority, nil
		}
	}
	return 0, 0, invalidf("issue %s is not in up next", before)
}

// RemoveUpNext drops issues from an account's up-next list. Unknown
// issues are ignored.
func (o *Outbox) RemoveUpNext(ctx context.Context, account models.RecordID, issueIDs []models.RecordID) error {
	if len(issueIDs) == 0 {
		return nil
	}
	return o.store.Write(ctx, func(tx *store.Tx) error {
		if err := tx.DB().Delete(&models.UpNext{}, "account_id = ? AND issue_id IN ?", account, issueIDs).Error; err != nil {
			return err
		}
		tx.Touch(models.KindUpNext, issueIDs...)
		return nil
	})
}
