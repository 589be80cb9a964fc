package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// mirrorPage is how many stream entries ReadMirror fetches per call.
const mirrorPage = 500

// ReadMirror reads every record mirrored to stream, oldest first. The stream
// is trimmed approximately, so it only covers the engine's recent history.
// An entry that does not decode is reported as domain.ErrDataIntegrity.
func ReadMirror(ctx context.Context, bus domain.SignalBus, stream string) ([]domain.OrderStateRecord, error) {
	if stream == "" {
		stream = DefaultStream
	}
	var out []domain.OrderStateRecord
	last := "0"
	for {
		msgs, err := bus.StreamRead(ctx, stream, last, mirrorPage)
		if err != nil {
			return nil, fmt.Errorf("ledger: read mirror %s: %w", stream, err)
		}
		for _, m := range msgs {
			var rec domain.OrderStateRecord
			if err := json.Unmarshal(m.Payload, &rec); err != nil {
				return nil, fmt.Errorf("ledger: mirror entry %s: %w: %v", m.ID, domain.ErrDataIntegrity, err)
			}
			out = append(out, rec)
		}
		if len(msgs) < mirrorPage {
			return out, nil
		}
		last = msgs[len(msgs)-1].ID
	}
}
