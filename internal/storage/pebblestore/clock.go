package pebblestore

import "time"

func unixNow() int64 { return time.Now().UTC().Unix() }

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
