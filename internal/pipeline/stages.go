package pipeline

import "errors"

// ValidatePayload shape-checks the JSON body before any later stage reads it.
func ValidatePayload() Stage {
	return Stage{
		Name: "validate",
		Run: func(x *Exchange) Result {
			if _, err := x.Payload(); err != nil {
				var rej *Rejection
				if errors.As(err, &rej) {
					return Terminate(rej)
				}
				return Fault(err)
			}
			return Continue()
		},
	}
}
