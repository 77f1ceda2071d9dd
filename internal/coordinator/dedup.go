package coordinator

// suppressAfter is the number of consecutive identical errors whose side
// effects still run.
const suppressAfter = 2

// Deduplicator tracks consecutive identical error texts.
type Deduplicator struct {
	last  string
	count int
}

// Observe records text and reports whether its log and broadcast should be
// suppressed. State must be updated either way.
func (d *Deduplicator) Observe(text string) bool {
	if d.count > 0 && text == d.last {
		d.count++
	} else {
		d.last = text
		d.count = 1
	}
	return d.count > suppressAfter
}

func (d *Deduplicator) Reset() {
	d.last = ""
	d.count = 0
}

func (d *Deduplicator) Count() int {
	return d.count
}
