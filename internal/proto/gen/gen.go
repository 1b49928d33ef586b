//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes describing the
// TriageEventService schema implemented by hand in proto/triageevent.go.
// Run with: go run ./internal/proto/gen/gen.go
//
// proto/triageevent.go's wire codec is hand-written JSON, not protobuf
// binary, so this descriptor is reference documentation for the schema
// rather than something the runtime loads — it lets the dashboard's
// reflection tooling and any future protoc-gen-go migration start from an
// accurate FileDescriptorProto instead of reverse-engineering one from the
// Go structs.
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	b := ptr[bool]
	s := ptr[string]
	_ = b
	_ = s

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/triageevent.proto"),
		Package: s("triageevent"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/pacfix/triagecore/proto"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("RegisterRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("hostname"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("hostname")},
					{Name: s("out_dir"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("outDir")},
					{Name: s("map_size"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(), JsonName: s("mapSize")},
					{Name: s("core_version"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("coreVersion")},
				},
			},
			{
				Name: s("RegisterResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("run_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("runId")},
				},
			},
			{
				Name: s("TriageEvent"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("event_id"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("eventId")},
					{Name: s("run_id"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("runId")},
					{Name: s("timestamp_us"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("timestampUs")},
					{Name: s("kind"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("kind")},
					{Name: s("path"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("path")},
					{Name: s("tag"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT32.Enum(), JsonName: s("tag")},
					{Name: s("new_path"), Number: p(7), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("newPath")},
					{Name: s("execs"), Number: p(8), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_UINT64.Enum(), JsonName: s("execs")},
					{Name: s("detail"), Number: p(9), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("detail")},
				},
			},
			{
				Name: s("Ack"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("type"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("type")},
					{Name: s("error"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("error")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("TriageEventService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("Register"),
						InputType:  s(".triageevent.RegisterRequest"),
						OutputType: s(".triageevent.RegisterResponse"),
					},
					{
						Name:            s("StreamEvents"),
						InputType:       s(".triageevent.TriageEvent"),
						OutputType:      s(".triageevent.Ack"),
						ClientStreaming: b(true),
						ServerStreaming: b(true),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_triageevent_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_triageevent_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_triageevent_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T { return &v }
func s(v string) *string { return &v }
func p(v int32) *int32   { return &v }
func b(v bool) *bool     { return &v }
