package sitecfg

import "time"

func defaultNow() int64 {
	return time.Now().UTC().Unix()
}
