package mutation

// Compress folds runs of consecutive attribute writes to the same
// (xpath, name) into the last one, keeping the first OldValue. A run ends
// at any other record. Inserts, removals and resets are kept as is.
func Compress(records []Record) []Record {
	if len(records) <= 1 {
		return records
	}

	result := make([]Record, 0, len(records))
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec.Op != OpAttr && rec.Op != OpAttrDel {
			result = append(result, rec)
			continue
		}
		firstOld := rec.OldValue
		j := i + 1
		for j < len(records) &&
			(records[j].Op == OpAttr || records[j].Op == OpAttrDel) &&
			records[j].XPath == rec.XPath &&
			records[j].Name == rec.Name {
			rec = records[j]
			j++
		}
		rec.OldValue = firstOld
		result = append(result, rec)
		i = j - 1
	}
	return result
}
