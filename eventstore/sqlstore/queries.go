package sqlstore

import "fmt"

const eventColumns = `global_sequence_id, event_id, stream_id, tenant_id, sequence_number, event_type, payload, metadata, timestamp_utc`

type queries struct {
	currentVersion string
	insertEvent    string
	head           string
	firstAt        string

	streamPage string
	// indexed by hasTenant<<1 | hasUpperBound
	allPages [4]string

	fetchToken string
	storeToken string

	isProcessed   string
	markProcessed string

	insertDeadLetter string
	listDeadLetters  string
	getDeadLetter    string
	countDeadLetters string
	deleteDeadLetter string
}

func buildQueries(d Dialect, t Tables) queries {
	q := queries{
		currentVersion: fmt.Sprintf(`SELECT COALESCE(MAX(sequence_number), 0) FROM %s WHERE tenant_id = ? AND stream_id = ?`, t.Events),
		insertEvent: fmt.Sprintf(`INSERT INTO %s (event_id, stream_id, tenant_id, sequence_number, event_type, payload, metadata, timestamp_utc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING global_sequence_id`, t.Events),
		head:    fmt.Sprintf(`SELECT COALESCE(MAX(global_sequence_id), 0) FROM %s`, t.Events),
		firstAt: fmt.Sprintf(`SELECT MIN(global_sequence_id) FROM %s WHERE timestamp_utc >= ?`, t.Events),

		streamPage: fmt.Sprintf(`SELECT %s FROM %s WHERE tenant_id = ? AND stream_id = ? AND sequence_number >= ?
ORDER BY sequence_number ASC LIMIT ?`, eventColumns, t.Events),

		fetchToken: fmt.Sprintf(`SELECT global_sequence FROM %s WHERE processor_name = ? AND segment = ?`, t.Tokens),
		storeToken: fmt.Sprintf(`INSERT INTO %[1]s (processor_name, segment, global_sequence, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (processor_name, segment) DO UPDATE
SET global_sequence = excluded.global_sequence, updated_at = excluded.updated_at
WHERE %[1]s.global_sequence <> excluded.global_sequence`, t.Tokens),

		isProcessed: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE projector_name = ? AND event_id = ? AND tenant_id = ?`, t.Processed),
		markProcessed: fmt.Sprintf(`INSERT INTO %s (projector_name, event_id, tenant_id, processed_at) VALUES (?, ?, ?, ?)
ON CONFLICT (projector_name, event_id, tenant_id) DO NOTHING`, t.Processed),

		insertDeadLetter: fmt.Sprintf(`INSERT INTO %s (subject, tenant_id, event_id, event_type, stream_id, sequence_number,
global_sequence_id, payload, metadata, timestamp_utc, error, reason, attempts, failed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`, t.DeadLetters),
		listDeadLetters:  fmt.Sprintf(`SELECT %s FROM %s WHERE id > ? AND (CAST(? AS TEXT) = '' OR tenant_id = ?) AND (CAST(? AS TEXT) = '' OR reason = ?) ORDER BY id ASC LIMIT ?`, deadLetterColumns, t.DeadLetters),
		getDeadLetter:    fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, deadLetterColumns, t.DeadLetters),
		countDeadLetters: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE (CAST(? AS TEXT) = '' OR tenant_id = ?)`, t.DeadLetters),
		deleteDeadLetter: fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.DeadLetters),
	}

	for i := range q.allPages {
		hasTenant, hasTo := i&2 != 0, i&1 != 0
		where := "global_sequence_id > ?"
		if hasTo {
			where += " AND global_sequence_id <= ?"
		}
		if hasTenant {
			where += " AND tenant_id = ?"
		}
		q.allPages[i] = fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY global_sequence_id ASC LIMIT ?`, eventColumns, t.Events, where)
	}

	q.currentVersion = d.Rebind(q.currentVersion)
	q.insertEvent = d.Rebind(q.insertEvent)
	q.head = d.Rebind(q.head)
	q.firstAt = d.Rebind(q.firstAt)
	q.streamPage = d.Rebind(q.streamPage)
	for i := range q.allPages {
		q.allPages[i] = d.Rebind(q.allPages[i])
	}
	q.fetchToken = d.Rebind(q.fetchToken)
	q.storeToken = d.Rebind(q.storeToken)
	q.isProcessed = d.Rebind(q.isProcessed)
	q.markProcessed = d.Rebind(q.markProcessed)
	q.insertDeadLetter = d.Rebind(q.insertDeadLetter)
	q.listDeadLetters = d.Rebind(q.listDeadLetters)
	q.getDeadLetter = d.Rebind(q.getDeadLetter)
	q.countDeadLetters = d.Rebind(q.countDeadLetters)
	q.deleteDeadLetter = d.Rebind(q.deleteDeadLetter)
	return q
}
