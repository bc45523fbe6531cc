package api

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// nodeProto describes marznode.proto. Field numbers past the upstream set
// carry the device tracking extensions.
var nodeProto = mustFile(&descriptorpb.FileDescriptorProto{
	Name:    proto.String("marznode.proto"),
	Package: proto.String("marznode"),
	Syntax:  proto.String("proto3"),
	EnumType: []*descriptorpb.EnumDescriptorProto{{
		Name: proto.String("ConfigFormat"),
		Value: []*descriptorpb.EnumValueDescriptorProto{
			{Name: proto.String("PLAIN"), Number: proto.Int32(int32(ConfigFormatPlain))},
			{Name: proto.String("JSON"), Number: proto.Int32(int32(ConfigFormatJSON))},
			{Name: proto.String("YAML"), Number: proto.Int32(int32(ConfigFormatYAML))},
		},
	}},
	MessageType: []*descriptorpb.DescriptorProto{
		message("Empty"),
		message("User",
			scalar("id", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			scalar("username", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("key", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			optional(scalar("device_limit", 4, descriptorpb.FieldDescriptorProto_TYPE_INT32)),
			repeated(scalar("allowed_fingerprints", 5, descriptorpb.FieldDescriptorProto_TYPE_STRING)),
			scalar("enforce_device_limit", 6, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("Inbound",
			scalar("tag", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("config", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("protocol", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		),
		message("UserData",
			ref("user", 1, "User"),
			repeated(ref("inbounds", 2, "Inbound")),
		),
		message("UsersData",
			repeated(ref("users_data", 1, "UserData")),
		),
		nested(message("UsersStats",
			repeated(ref("users_stats", 1, "UsersStats.UserStats")),
		), message("UserStats",
			scalar("uid", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			scalar("usage", 2, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			scalar("uplink", 3, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			scalar("downlink", 4, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			scalar("remote_ip", 5, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("client_name", 6, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("user_agent", 7, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("tls_fingerprint", 8, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("protocol", 9, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		)),
		message("Backend",
			scalar("name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("type", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("version", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			repeated(ref("inbounds", 4, "Inbound")),
			scalar("running", 5, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("BackendsResponse",
			repeated(ref("backends", 1, "Backend")),
		),
		message("BackendConfig",
			scalar("configuration", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			enum("config_format", 2, "ConfigFormat"),
		),
		message("RestartBackendRequest",
			scalar("backend_name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			ref("config", 2, "BackendConfig"),
		),
		message("BackendStats",
			scalar("running", 1, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("BackendLogsRequest",
			scalar("backend_name", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("include_buffer", 2, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("LogLine",
			scalar("line", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
		),
		message("UserDevicesRequest",
			scalar("uid", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			scalar("active_only", 2, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("DeviceInfo",
			scalar("remote_ip", 1, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("client_name", 2, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("user_agent", 3, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("protocol", 4, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("tls_fingerprint", 5, descriptorpb.FieldDescriptorProto_TYPE_STRING),
			scalar("first_seen", 6, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			scalar("last_seen", 7, descriptorpb.FieldDescriptorProto_TYPE_INT64),
			scalar("total_usage", 8, descriptorpb.FieldDescriptorProto_TYPE_UINT64),
			scalar("is_active", 9, descriptorpb.FieldDescriptorProto_TYPE_BOOL),
		),
		message("UserDevicesHistory",
			scalar("uid", 1, descriptorpb.FieldDescriptorProto_TYPE_UINT32),
			repeated(ref("devices", 2, "DeviceInfo")),
		),
		message("AllUsersDevices",
			repeated(ref("users", 1, "UserDevicesHistory")),
		),
	},
})

func mustFile(fd *descriptorpb.FileDescriptorProto) protoreflect.FileDescriptor {
	file, err := protodesc.NewFile(fd, nil)
	if err != nil {
		panic("api: invalid node schema: " + err.Error())
	}
	return file
}

func message(name string, fs ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	m := &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fs}
	for _, f := range fs {
		if f.GetProto3Optional() {
			f.OneofIndex = proto.Int32(int32(len(m.OneofDecl)))
			m.OneofDecl = append(m.OneofDecl, &descriptorpb.OneofDescriptorProto{Name: proto.String("_" + f.GetName())})
		}
	}
	return m
}

func nested(m *descriptorpb.DescriptorProto, children ...*descriptorpb.DescriptorProto) *descriptorpb.DescriptorProto {
	m.NestedType = append(m.NestedType, children...)
	return m
}

func scalar(name string, num int32, typ descriptorpb.FieldDescriptorProto_Type) *descriptorpb.FieldDescriptorProto {
	return &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
}

func ref(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE)
	f.TypeName = proto.String(".marznode." + typeName)
	return f
}

func enum(name string, num int32, typeName string) *descriptorpb.FieldDescriptorProto {
	f := scalar(name, num, descriptorpb.FieldDescriptorProto_TYPE_ENUM)
	f.TypeName = proto.String(".marznode." + typeName)
	return f
}

func repeated(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	return f
}

func optional(f *descriptorpb.FieldDescriptorProto) *descriptorpb.FieldDescriptorProto {
	f.Proto3Optional = proto.Bool(true)
	return f
}

// wireMessage is implemented by the top level messages of the node service.
type wireMessage interface {
	wireName() protoreflect.Name
	marshalWire(fields)
	unmarshalWire(fields)
}

func newWire(v wireMessage) *dynamicpb.Message {
	return dynamicpb.NewMessage(nodeProto.Messages().ByName(v.wireName()))
}

func toWire(v wireMessage) *dynamicpb.Message {
	m := newWire(v)
	v.marshalWire(fields{m})
	return m
}

func fromWire(m protoreflect.Message, v wireMessage) {
	v.unmarshalWire(fields{m})
}

// fields addresses a message's fields by name.
type fields struct {
	m protoreflect.Message
}

func (f fields) fd(name string) protoreflect.FieldDescriptor {
	fd := f.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		panic("api: no field " + name + " in " + string(f.m.Descriptor().FullName()))
	}
	return fd
}

func (f fields) has(name string) bool {
	return f.m.Has(f.fd(name))
}

func (f fields) setString(name, v string) {
	f.m.Set(f.fd(name), protoreflect.ValueOfString(v))
}

func (f fields) getString(name string) string {
	return f.m.Get(f.fd(name)).String()
}

func (f fields) setBool(name string, v bool) {
	f.m.Set(f.fd(name), protoreflect.ValueOfBool(v))
}

func (f fields) getBool(name string) bool {
	return f.m.Get(f.fd(name)).Bool()
}

func (f fields) setInt(name string, v int64) {
	fd := f.fd(name)
	var val protoreflect.Value
	switch fd.Kind() {
	case protoreflect.Uint32Kind:
		val = protoreflect.ValueOfUint32(uint32(v))
	case protoreflect.Uint64Kind:
		val = protoreflect.ValueOfUint64(uint64(v))
	case protoreflect.Int32Kind:
		val = protoreflect.ValueOfInt32(int32(v))
	case protoreflect.EnumKind:
		val = protoreflect.ValueOfEnum(protoreflect.EnumNumber(v))
	default:
		val = protoreflect.ValueOfInt64(v)
	}
	f.m.Set(fd, val)
}

func (f fields) getInt(name string) int64 {
	fd := f.fd(name)
	v := f.m.Get(fd)
	switch fd.Kind() {
	case protoreflect.Uint32Kind, protoreflect.Uint64Kind:
		return int64(v.Uint())
	case protoreflect.EnumKind:
		return int64(v.Enum())
	default:
		return v.Int()
	}
}

func (f fields) setStrings(name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	list := f.m.Mutable(f.fd(name)).List()
	for _, v := range vs {
		list.Append(protoreflect.ValueOfString(v))
	}
}

func (f fields) getStrings(name string) []string {
	list := f.m.Get(f.fd(name)).List()
	if list.Len() == 0 {
		return nil
	}
	out := make([]string, list.Len())
	for i := range out {
		out[i] = list.Get(i).String()
	}
	return out
}

// message returns the singular message field, allocating it.
func (f fields) message(name string) fields {
	return fields{f.m.Mutable(f.fd(name)).Message()}
}

func (f fields) getMessage(name string) fields {
	return fields{f.m.Get(f.fd(name)).Message()}
}

// add appends an element to a repeated message field.
func (f fields) add(name string) fields {
	return fields{f.m.Mutable(f.fd(name)).List().AppendMutable().Message()}
}

func (f fields) each(name string, fn func(fields)) {
	list := f.m.Get(f.fd(name)).List()
	for i := range list.Len() {
		fn(fields{list.Get(i).Message()})
	}
}

func (*Empty) wireName() protoreflect.Name { return "Empty" }
func (*Empty) marshalWire(fields)          {}
func (*Empty) unmarshalWire(fields)        {}

func (u *User) marshalWire(f fields) {
	f.setInt("id", u.ID)
	f.setString("username", u.Username)
	f.setString("key", u.Key)
	if u.DeviceLimit != nil {
		f.setInt("device_limit", int64(*u.DeviceLimit))
	}
	f.setStrings("allowed_fingerprints", u.AllowedFingerprints)
	f.setBool("enforce_device_limit", u.EnforceDeviceLimit)
}

func (u *User) unmarshalWire(f fields) {
	u.ID = f.getInt("id")
	u.Username = f.getString("username")
	u.Key = f.getString("key")
	if f.has("device_limit") {
		limit := int(f.getInt("device_limit"))
		u.DeviceLimit = &limit
	}
	u.AllowedFingerprints = f.getStrings("allowed_fingerprints")
	u.EnforceDeviceLimit = f.getBool("enforce_device_limit")
}

func (in *Inbound) marshalWire(f fields) {
	f.setString("tag", in.Tag)
	f.setString("config", in.Config)
	f.setString("protocol", in.Protocol)
}

func (in *Inbound) unmarshalWire(f fields) {
	in.Tag = f.getString("tag")
	in.Config = f.getString("config")
	in.Protocol = f.getString("protocol")
}

func marshalInbounds(f fields, name string, inbounds []Inbound) {
	for i := range inbounds {
		inbounds[i].marshalWire(f.add(name))
	}
}

func unmarshalInbounds(f fields, name string) []Inbound {
	var out []Inbound
	f.each(name, func(e fields) {
		var in Inbound
		in.unmarshalWire(e)
		out = append(out, in)
	})
	return out
}

func (*UserData) wireName() protoreflect.Name { return "UserData" }

func (d *UserData) marshalWire(f fields) {
	d.User.marshalWire(f.message("user"))
	marshalInbounds(f, "inbounds", d.Inbounds)
}

func (d *UserData) unmarshalWire(f fields) {
	d.User.unmarshalWire(f.getMessage("user"))
	d.Inbounds = unmarshalInbounds(f, "inbounds")
}

func (*UsersData) wireName() protoreflect.Name { return "UsersData" }

func (d *UsersData) marshalWire(f fields) {
	for i := range d.UsersData {
		d.UsersData[i].marshalWire(f.add("users_data"))
	}
}

func (d *UsersData) unmarshalWire(f fields) {
	f.each("users_data", func(e fields) {
		var u UserData
		u.unmarshalWire(e)
		d.UsersData = append(d.UsersData, u)
	})
}

func (s *UserStats) marshalWire(f fields) {
	f.setInt("uid", s.UID)
	f.setInt("usage", s.Usage)
	f.setInt("uplink", s.Uplink)
	f.setInt("downlink", s.Downlink)
	f.setString("remote_ip", s.RemoteIP)
	f.setString("client_name", s.ClientName)
	f.setString("user_agent", s.UserAgent)
	f.setString("tls_fingerprint", s.TLSFingerprint)
	f.setString("protocol", s.Protocol)
}

func (s *UserStats) unmarshalWire(f fields) {
	s.UID = f.getInt("uid")
	s.Usage = f.getInt("usage")
	s.Uplink = f.getInt("uplink")
	s.Downlink = f.getInt("downlink")
	s.RemoteIP = f.getString("remote_ip")
	s.ClientName = f.getString("client_name")
	s.UserAgent = f.getString("user_agent")
	s.TLSFingerprint = f.getString("tls_fingerprint")
	s.Protocol = f.getString("protocol")
}

func (*UsersStats) wireName() protoreflect.Name { return "UsersStats" }

func (s *UsersStats) marshalWire(f fields) {
	for i := range s.UsersStats {
		s.UsersStats[i].marshalWire(f.add("users_stats"))
	}
}

func (s *UsersStats) unmarshalWire(f fields) {
	f.each("users_stats", func(e fields) {
		var st UserStats
		st.unmarshalWire(e)
		s.UsersStats = append(s.UsersStats, st)
	})
}

func (*Backend) wireName() protoreflect.Name { return "Backend" }

func (b *Backend) marshalWire(f fields) {
	f.setString("name", b.Name)
	f.setString("type", b.Type)
	f.setString("version", b.Version)
	marshalInbounds(f, "inbounds", b.Inbounds)
	f.setBool("running", b.Running)
}

func (b *Backend) unmarshalWire(f fields) {
	b.Name = f.getString("name")
	b.Type = f.getString("type")
	b.Version = f.getString("version")
	b.Inbounds = unmarshalInbounds(f, "inbounds")
	b.Running = f.getBool("running")
}

func (*BackendsResponse) wireName() protoreflect.Name { return "BackendsResponse" }

func (r *BackendsResponse) marshalWire(f fields) {
	for i := range r.Backends {
		r.Backends[i].marshalWire(f.add("backends"))
	}
}

func (r *BackendsResponse) unmarshalWire(f fields) {
	f.each("backends", func(e fields) {
		var b Backend
		b.unmarshalWire(e)
		r.Backends = append(r.Backends, b)
	})
}

func (*BackendConfig) wireName() protoreflect.Name { return "BackendConfig" }

func (c *BackendConfig) marshalWire(f fields) {
	f.setString("configuration", c.Configuration)
	f.setInt("config_format", int64(c.ConfigFormat))
}

func (c *BackendConfig) unmarshalWire(f fields) {
	c.Configuration = f.getString("configuration")
	c.ConfigFormat = ConfigFormat(f.getInt("config_format"))
}

func (*RestartBackendRequest) wireName() protoreflect.Name { return "RestartBackendRequest" }

func (r *RestartBackendRequest) marshalWire(f fields) {
	f.setString("backend_name", r.BackendName)
	if r.Config != nil {
		r.Config.marshalWire(f.message("config"))
	}
}

func (r *RestartBackendRequest) unmarshalWire(f fields) {
	r.BackendName = f.getString("backend_name")
	if f.has("config") {
		r.Config = new(BackendConfig)
		r.Config.unmarshalWire(f.getMessage("config"))
	}
}

func (*BackendStats) wireName() protoreflect.Name { return "BackendStats" }

func (s *BackendStats) marshalWire(f fields) {
	f.setBool("running", s.Running)
}

func (s *BackendStats) unmarshalWire(f fields) {
	s.Running = f.getBool("running")
}

func (*BackendLogsRequest) wireName() protoreflect.Name { return "BackendLogsRequest" }

func (r *BackendLogsRequest) marshalWire(f fields) {
	f.setString("backend_name", r.BackendName)
	f.setBool("include_buffer", r.IncludeBuffer)
}

func (r *BackendLogsRequest) unmarshalWire(f fields) {
	r.BackendName = f.getString("backend_name")
	r.IncludeBuffer = f.getBool("include_buffer")
}

func (*LogLine) wireName() protoreflect.Name { return "LogLine" }

func (l *LogLine) marshalWire(f fields) {
	f.setString("line", l.Line)
}

func (l *LogLine) unmarshalWire(f fields) {
	l.Line = f.getString("line")
}

func (*UserDevicesRequest) wireName() protoreflect.Name { return "UserDevicesRequest" }

func (r *UserDevicesRequest) marshalWire(f fields) {
	f.setInt("uid", r.UID)
	f.setBool("active_only", r.ActiveOnly)
}

func (r *UserDevicesRequest) unmarshalWire(f fields) {
	r.UID = f.getInt("uid")
	r.ActiveOnly = f.getBool("active_only")
}

func (d *DeviceInfo) marshalWire(f fields) {
	f.setString("remote_ip", d.RemoteIP)
	f.setString("client_name", d.ClientName)
	f.setString("user_agent", d.UserAgent)
	f.setString("protocol", d.Protocol)
	f.setString("tls_fingerprint", d.TLSFingerprint)
	f.setInt("first_seen", d.FirstSeen)
	f.setInt("last_seen", d.LastSeen)
	f.setInt("total_usage", d.TotalUsage)
	f.setBool("is_active", d.IsActive)
}

func (d *DeviceInfo) unmarshalWire(f fields) {
	d.RemoteIP = f.getString("remote_ip")
	d.ClientName = f.getString("client_name")
	d.UserAgent = f.getString("user_agent")
	d.Protocol = f.getString("protocol")
	d.TLSFingerprint = f.getString("tls_fingerprint")
	d.FirstSeen = f.getInt("first_seen")
	d.LastSeen = f.getInt("last_seen")
	d.TotalUsage = f.getInt("total_usage")
	d.IsActive = f.getBool("is_active")
}

func (*UserDevicesHistory) wireName() protoreflect.Name { return "UserDevicesHistory" }

func (h *UserDevicesHistory) marshalWire(f fields) {
	f.setInt("uid", h.UID)
	for i := range h.Devices {
		h.Devices[i].marshalWire(f.add("devices"))
	}
}

func (h *UserDevicesHistory) unmarshalWire(f fields) {
	h.UID = f.getInt("uid")
	f.each("devices", func(e fields) {
		var d DeviceInfo
		d.unmarshalWire(e)
		h.Devices = append(h.Devices, d)
	})
}

func (*AllUsersDevices) wireName() protoreflect.Name { return "AllUsersDevices" }

func (a *AllUsersDevices) marshalWire(f fields) {
	for i := range a.Users {
		a.Users[i].marshalWire(f.add("users"))
	}
}

func (a *AllUsersDevices) unmarshalWire(f fields) {
	f.each("users", func(e fields) {
		var h UserDevicesHistory
		h.unmarshalWire(e)
		a.Users = append(a.Users, h)
	})
}
