package policy

type EpsilonSetter interface {
	SetEpsilon(float64)
}

type TemperatureSetter interface {
	SetTemperature(float64)
}

// anneal drops straight to final when numFrames is not positive.
func anneal(start, final float64, numFrames, frame int) float64 {
	if numFrames <= 0 {
		return final
	}
	v := start - float64(frame)/float64(numFrames)
	return max(v, final)
}

// EpsilonTracker linearly anneals a policy's epsilon by 1/NumFrames per frame down to Final.
type EpsilonTracker struct {
	Start     float64
	Final     float64
	NumFrames int
	Policy    EpsilonSetter
}

func (t EpsilonTracker) Value(frame int) float64 {
	return anneal(t.Start, t.Final, t.NumFrames, frame)
}

func (t EpsilonTracker) Set(frame int) float64 {
	v := t.Value(frame)
	t.Policy.SetEpsilon(v)
	return v
}

type TemperatureTracker struct {
	Start     float64
	Final     float64
	NumFrames int
	Policy    TemperatureSetter
}

func (t TemperatureTracker) Value(frame int) float64 {
	return anneal(t.Start, t.Final, t.NumFrames, frame)
}

func (t TemperatureTracker) Set(frame int) float64 {
	v := t.Value(frame)
	t.Policy.SetTemperature(v)
	return v
}
