package ows

// DispatcherCallback is notified at each phase of a call. Every method
// but Finished may replace the object of its phase by returning a non nil
// value, nil keeps the current one. Returning an error aborts the call.
type DispatcherCallback interface {
	Init(req *Request) (*Request, error)
	ServiceDispatched(req *Request, service *Service) (*Service, error)
	OperationDispatched(req *Request, op *Operation) (*Operation, error)
	// OperationExecuted may return NoResult to drop the result.
	OperationExecuted(req *Request, op *Operation, result interface{}) (interface{}, error)
	ResponseDispatched(req *Request, op *Operation, result interface{}, response Response) (Response, error)
	// Finished is called exactly once per call, whatever its outcome.
	Finished(req *Request)
}

type noResult struct{}

// NoResult is returned by OperationExecuted to replace the result of an
// operation with nothing.
var NoResult = &noResult{}

// BaseCallback implements every DispatcherCallback method as a no-op.
type BaseCallback struct{}

func (BaseCallback) Init(*Request) (*Request, error) { return nil, nil }

func (BaseCallback) ServiceDispatched(*Request, *Service) (*Service, error) { return nil, nil }

func (BaseCallback) OperationDispatched(*Request, *Operation) (*Operation, error) { return nil, nil }

func (BaseCallback) OperationExecuted(*Request, *Operation, interface{}) (interface{}, error) {
	return nil, nil
}

func (BaseCallback) ResponseDispatched(*Request, *Operation, interface{}, Response) (Response, error) {
	return nil, nil
}

func (BaseCallback) Finished(*Request) {}

func (d *Dispatcher) fireInit(req *Request) (*Request, error) {
	for _, cb := range d.registry.callbacks {
		r, err := cb.Init(req)
		if err != nil {
			return req, err
		}
		if r != nil {
			req = r
		}
	}
	return req, nil
}

func (d *Dispatcher) fireServiceDispatched(req *Request, service *Service) (*Service, error) {
	for _, cb := range d.registry.callbacks {
		s, err := cb.ServiceDispatched(req, service)
		if err != nil {
			return service, err
		}
		if s != nil {
			service = s
		}
	}
	return service, nil
}

func (d *Dispatcher) fireOperationDispatched(req *Request, op *Operation) (*Operation, error) {
	for _, cb := range d.registry.callbacks {
		o, err := cb.OperationDispatched(req, op)
		if err != nil {
			return op, err
		}
		if o != nil {
			op = o
		}
	}
	return op, nil
}

func (d *Dispatcher) fireOperationExecuted(req *Request, op *Operation, result interface{}) (interface{}, error) {
	for _, cb := range d.registry.callbacks {
		r, err := cb.OperationExecuted(req, op, result)
		if err != nil {
			return result, err
		}
		if r == NoResult {
			result = nil
		} else if r != nil {
			result = r
		}
	}
	return result, nil
}

func (d *Dispatcher) fireResponseDispatched(req *Request, op *Operation, result interface{}, response Response) (Response, error) {
	for _, cb := range d.registry.callbacks {
		r, err := cb.ResponseDispatched(req, op, result, response)
		if err != nil {
			return response, err
		}
		if r != nil {
			response = r
		}
	}
	return response, nil
}

// fireFinished notifies every callback, logging and swallowing panics so
// that one failing callback does not prevent the others from running.
func (d *Dispatcher) fireFinished(req *Request) {
	for _, cb := range d.registry.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warnf("Error firing finished callback for %T: %v", cb, r)
				}
			}()
			cb.Finished(req)
		}()
	}
}
