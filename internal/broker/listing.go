package broker

import (
	"fmt"
	"strings"
)

// ListObjectsIter enumerates live rows in lexicographic name order,
// honoring marker (exclusive), prefix, delimiter and limit. With a
// delimiter set, names extending past the first delimiter after the
// prefix collapse into one synthesized subdir row, and the scan skips
// straight past everything under it. A non-nil path switches to
// pseudo-directory mode: prefix becomes path+"/", delimiter "/", and
// only direct children are returned.
func (b *Broker) ListObjectsIter(limit int, marker, prefix, delimiter string, path *string) ([]Record, error) {
	if err := b.maybeFlush(); err != nil {
		return nil, err
	}
	db, err := b.conn()
	if err != nil {
		return nil, err
	}

	pathMode := path != nil
	if pathMode {
		p := *path
		if p != "" {
			p = strings.TrimRight(p, "/") + "/"
		}
		prefix = p
		delimiter = "/"
	}

	results := []Record{}
	origMarker := marker
	cur := marker
	for len(results) < limit {
		batch := limit - len(results)
		rows, err := db.Query(`SELECT name, created_at, size, content_type, etag
			FROM object WHERE deleted = 0 AND name > ? AND name >= ?
			ORDER BY name LIMIT ?`, cur, prefix, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to query listing: %w", err)
		}
		var recs []Record
		for rows.Next() {
			var rec Record
			if err := rows.Scan(&rec.Name, &rec.CreatedAt, &rec.Size,
				&rec.ContentType, &rec.ETag); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan listing row: %w", err)
			}
			recs = append(recs, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating listing: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		requery := false
		for _, rec := range recs {
			name := rec.Name
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				return results, nil
			}
			cur = name
			if pathMode {
				if name == prefix && prefix != "" {
					// The placeholder row for the directory itself.
					continue
				}
				if end := delimiterIndex(name, prefix, delimiter); end >= 0 && len(name) > end+1 {
					// Deeper than one level: resume past the subtree.
					// The marker is byte-wise, not rune-wise.
					cur = name[:end] + string([]byte{delimiter[0] + 1})
					requery = true
					break
				}
				results = append(results, rec)
			} else if delimiter != "" {
				if end := delimiterIndex(name, prefix, delimiter); end > 0 {
					dirName := name[:end+1]
					if dirName != origMarker {
						results = append(results, Record{
							Name:      dirName,
							CreatedAt: "0",
							Subdir:    true,
						})
					}
					cur = name[:end] + string([]byte{delimiter[0] + 1})
					requery = true
					break
				}
				results = append(results, rec)
			} else {
				results = append(results, rec)
			}
			if len(results) == limit {
				return results, nil
			}
		}
		if !requery && len(recs) < batch {
			break
		}
	}
	return results, nil
}

// delimiterIndex finds the first delimiter in name at or after the end
// of prefix, as an index into name, or -1.
func delimiterIndex(name, prefix, delimiter string) int {
	i := strings.Index(name[len(prefix):], delimiter)
	if i < 0 {
		return -1
	}
	return i + len(prefix)
}
