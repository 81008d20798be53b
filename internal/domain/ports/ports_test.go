package ports

import (
	"context"
	"reflect"
	"testing"
	"time"

	"torrentgate/internal/domain"
)

func TestEngineInterface(t *testing.T) {
	typ := reflect.TypeOf((*Engine)(nil)).Elem()
	transferType := reflect.TypeOf((*Transfer)(nil)).Elem()
	idType := reflect.TypeOf(domain.SessionID(""))
	srcType := reflect.TypeOf(domain.Source{})

	assertMethod(t, typ, "Identify", []reflect.Type{srcType}, []reflect.Type{idType, errorType()})
	assertMethod(t, typ, "Add", []reflect.Type{contextType(), srcType}, []reflect.Type{transferType, errorType()})
	assertMethod(t, typ, "Get", []reflect.Type{idType}, []reflect.Type{transferType, reflect.TypeOf(true)})
	assertMethod(t, typ, "Remove", []reflect.Type{contextType(), idType}, []reflect.Type{errorType()})
	assertMethod(t, typ, "List", nil, []reflect.Type{reflect.SliceOf(transferType)})
	assertMethod(t, typ, "Close", nil, []reflect.Type{errorType()})
}

func TestTransferInterface(t *testing.T) {
	typ := reflect.TypeOf((*Transfer)(nil)).Elem()
	fileType := reflect.TypeOf(domain.FileRef{})
	signal := reflect.TypeOf((<-chan struct{})(nil))

	assertMethod(t, typ, "ID", nil, []reflect.Type{reflect.TypeOf(domain.SessionID(""))})
	assertMethod(t, typ, "Ready", nil, []reflect.Type{signal})
	assertMethod(t, typ, "Failed", nil, []reflect.Type{signal})
	assertMethod(t, typ, "Files", nil, []reflect.Type{reflect.TypeOf([]domain.FileRef(nil))})
	assertMethod(t, typ, "Metrics", nil, []reflect.Type{reflect.TypeOf(domain.SessionMetrics{})})
	assertMethod(t, typ, "SetPriority", []reflect.Type{
		fileType,
		reflect.TypeOf(domain.Range{}),
		reflect.TypeOf(domain.Priority(0)),
	}, nil)
	assertMethod(t, typ, "NewReader", []reflect.Type{contextType(), fileType}, []reflect.Type{
		reflect.TypeOf((*StreamReader)(nil)).Elem(),
		errorType(),
	})
}

func TestDescriptorCacheInterface(t *testing.T) {
	typ := reflect.TypeOf((*DescriptorCache)(nil)).Elem()
	bytesType := reflect.TypeOf([]byte(nil))

	assertMethod(t, typ, "Get", []reflect.Type{contextType(), reflect.TypeOf("")}, []reflect.Type{
		bytesType, reflect.TypeOf(true), errorType(),
	})
	assertMethod(t, typ, "Set", []reflect.Type{
		contextType(), reflect.TypeOf(""), bytesType, reflect.TypeOf(time.Duration(0)),
	}, []reflect.Type{errorType()})
}

func assertMethod(t *testing.T, typ reflect.Type, name string, in []reflect.Type, out []reflect.Type) {
	t.Helper()
	method, ok := typ.MethodByName(name)
	if !ok {
		t.Fatalf("missing method %s", name)
	}

	if method.Type.NumIn() != len(in) {
		t.Fatalf("%s NumIn = %d, want %d", name, method.Type.NumIn(), len(in))
	}
	for i, typIn := range in {
		if got := method.Type.In(i); got != typIn {
			t.Fatalf("%s In[%d] = %s, want %s", name, i, got, typIn)
		}
	}

	if method.Type.NumOut() != len(out) {
		t.Fatalf("%s NumOut = %d, want %d", name, method.Type.NumOut(), len(out))
	}
	for i, typOut := range out {
		if got := method.Type.Out(i); got != typOut {
			t.Fatalf("%s Out[%d] = %s, want %s", name, i, got, typOut)
		}
	}
}

func contextType() reflect.Type {
	return reflect.TypeOf((*context.Context)(nil)).Elem()
}

func errorType() reflect.Type {
	return reflect.TypeOf((*error)(nil)).Elem()
}
