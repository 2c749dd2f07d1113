package arbiter

import "strconv"

func producerLabelFor(producerID uint32) string {
	return strconv.FormatUint(uint64(producerID), 10)
}
