package timeutil

import "time"

var nairobiLocation = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		return time.FixedZone("Africa/Nairobi", 3*60*60)
	}
	return loc
}

// Now returns the current time in Africa/Nairobi timezone.
func Now() time.Time {
	return time.Now().In(nairobiLocation)
}

// InNairobi converts provided time to Africa/Nairobi timezone.
func InNairobi(t time.Time) time.Time {
	return t.In(nairobiLocation)
}

// Location returns Africa/Nairobi location instance.
func Location() *time.Location {
	return nairobiLocation
}
