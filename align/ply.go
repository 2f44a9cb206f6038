package align

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type plyFormat int

const (
	plyASCII plyFormat = iota
	plyBinaryLE
	plyBinaryBE
)

type plyProperty struct {
	name      string
	typ       string
	list      bool
	countType string
}

type plyElement struct {
	name  string
	count int
	props []plyProperty
}

// plyData holds the scalar properties of the vertex and edge elements
type plyData struct {
	vertex [][]float64
	vprops []plyProperty
	edge   [][]float64
	eprops []plyProperty
}

// ReadPLY loads the vertices of a PLY file as a point cloud
func ReadPLY(path string) (*PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ply: %w", err)
	}
	defer f.Close()
	cloud, err := DecodePLY(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cloud, nil
}

// DecodePLY reads x/y/z and, when present, nx/ny/nz and red/green/blue
// vertex properties. ascii, binary_little_endian and binary_big_endian are
// supported.
func DecodePLY(r io.Reader) (*PointCloud, error) {
	d, err := decodePLY(r)
	if err != nil {
		return nil, err
	}
	return d.cloud()
}

// ReadScenePLY loads a coloured point set with its edge element
func ReadScenePLY(path string) (*Scene, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ply: %w", err)
	}
	defer f.Close()
	d, err := decodePLY(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cloud, err := d.cloud()
	if err != nil {
		return nil, err
	}
	s := SceneFromCloud(cloud, Color{128, 128, 128})
	a, b := propIndex(d.eprops, "vertex1"), propIndex(d.eprops, "vertex2")
	if len(d.edge) > 0 && (a < 0 || b < 0) {
		return nil, fmt.Errorf("edge element needs vertex1 and vertex2")
	}
	cr, cg, cb := propIndex(d.eprops, "red"), propIndex(d.eprops, "green"), propIndex(d.eprops, "blue")
	for _, row := range d.edge {
		e := Edge{A: int(row[a]), B: int(row[b]), Color: ColorMatch}
		if e.A < 0 || e.B < 0 || e.A >= len(s.Points) || e.B >= len(s.Points) {
			return nil, fmt.Errorf("edge (%d, %d) out of range", e.A, e.B)
		}
		if cr >= 0 && cg >= 0 && cb >= 0 {
			e.Color = Color{uint8(row[cr]), uint8(row[cg]), uint8(row[cb])}
		}
		s.Edges = append(s.Edges, e)
	}
	return s, nil
}

func (d *plyData) cloud() (*PointCloud, error) {
	x, y, z := propIndex(d.vprops, "x"), propIndex(d.vprops, "y"), propIndex(d.vprops, "z")
	if x < 0 || y < 0 || z < 0 {
		return nil, fmt.Errorf("vertex element needs x, y and z")
	}
	nx, ny, nz := propIndex(d.vprops, "nx"), propIndex(d.vprops, "ny"), propIndex(d.vprops, "nz")
	cr, cg, cb := propIndex(d.vprops, "red"), propIndex(d.vprops, "green"), propIndex(d.vprops, "blue")
	hasNormals := nx >= 0 && ny >= 0 && nz >= 0
	hasColors := cr >= 0 && cg >= 0 && cb >= 0

	c := &PointCloud{Points: make([]Vec3, len(d.vertex))}
	if hasNormals {
		c.Normals = make([]Vec3, len(d.vertex))
	}
	if hasColors {
		c.Colors = make([]Color, len(d.vertex))
	}
	for i, row := range d.vertex {
		c.Points[i] = Vec3{row[x], row[y], row[z]}
		if hasNormals {
			c.Normals[i] = Vec3{row[nx], row[ny], row[nz]}
		}
		if hasColors {
			c.Colors[i] = Color{uint8(row[cr]), uint8(row[cg]), uint8(row[cb])}
		}
	}
	return c, nil
}

func propIndex(props []plyProperty, name string) int {
	for i, p := range props {
		if p.name == name && !p.list {
			return i
		}
	}
	return -1
}

func decodePLY(r io.Reader) (*plyData, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	format, elements, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	var read func(typ string) (float64, error)
	switch format {
	case plyASCII:
		tokens := bufio.NewScanner(br)
		tokens.Buffer(make([]byte, 64*1024), 1024*1024)
		tokens.Split(bufio.ScanWords)
		read = func(string) (float64, error) {
			if !tokens.Scan() {
				if err := tokens.Err(); err != nil {
					return 0, err
				}
				return 0, io.ErrUnexpectedEOF
			}
			return strconv.ParseFloat(tokens.Text(), 64)
		}
	case plyBinaryLE:
		read = func(typ string) (float64, error) { return readBinaryScalar(br, binary.LittleEndian, typ) }
	default:
		read = func(typ string) (float64, error) { return readBinaryScalar(br, binary.BigEndian, typ) }
	}

	d := &plyData{}
	for _, el := range elements {
		var rows [][]float64
		keep := el.name == "vertex" || el.name == "edge"
		for i := 0; i < el.count; i++ {
			row := make([]float64, len(el.props))
			for j, p := range el.props {
				if p.list {
					n, err := read(p.countType)
					if err != nil {
						return nil, fmt.Errorf("element %s[%d].%s: %w", el.name, i, p.name, err)
					}
					for k := 0; k < int(n); k++ {
						if _, err := read(p.typ); err != nil {
							return nil, fmt.Errorf("element %s[%d].%s: %w", el.name, i, p.name, err)
						}
					}
					continue
				}
				v, err := read(p.typ)
				if err != nil {
					return nil, fmt.Errorf("element %s[%d].%s: %w", el.name, i, p.name, err)
				}
				row[j] = v
			}
			if keep {
				rows = append(rows, row)
			}
		}
		switch el.name {
		case "vertex":
			d.vertex, d.vprops = rows, el.props
		case "edge":
			d.edge, d.eprops = rows, el.props
		}
	}
	if d.vprops == nil {
		return nil, fmt.Errorf("ply has no vertex element")
	}
	return d, nil
}

func readPLYHeader(br *bufio.Reader) (plyFormat, []plyElement, error) {
	line, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return 0, nil, fmt.Errorf("not a ply file")
	}
	format := plyFormat(-1)
	var elements []plyElement
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("reading ply header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return 0, nil, fmt.Errorf("malformed format line")
			}
			switch fields[1] {
			case "ascii":
				format = plyASCII
			case "binary_little_endian":
				format = plyBinaryLE
			case "binary_big_endian":
				format = plyBinaryBE
			default:
				return 0, nil, fmt.Errorf("unsupported ply format %q", fields[1])
			}
		case "comment", "obj_info":
		case "element":
			if len(fields) != 3 {
				return 0, nil, fmt.Errorf("malformed element line %q", strings.TrimSpace(line))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return 0, nil, fmt.Errorf("bad element count %q", fields[2])
			}
			elements = append(elements, plyElement{name: fields[1], count: n})
		case "property":
			if len(elements) == 0 {
				return 0, nil, fmt.Errorf("property before element")
			}
			el := &elements[len(elements)-1]
			switch {
			case len(fields) == 5 && fields[1] == "list":
				el.props = append(el.props, plyProperty{name: fields[4], typ: fields[3], list: true, countType: fields[2]})
			case len(fields) == 3:
				el.props = append(el.props, plyProperty{name: fields[2], typ: fields[1]})
			default:
				return 0, nil, fmt.Errorf("malformed property line %q", strings.TrimSpace(line))
			}
		case "end_header":
			if format < 0 {
				return 0, nil, fmt.Errorf("ply header has no format line")
			}
			return format, elements, nil
		default:
			return 0, nil, fmt.Errorf("unexpected ply header line %q", strings.TrimSpace(line))
		}
	}
}

func readBinaryScalar(r io.Reader, order binary.ByteOrder, typ string) (float64, error) {
	var buf [8]byte
	size := plyTypeSize(typ)
	if size == 0 {
		return 0, fmt.Errorf("unknown ply type %q", typ)
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return 0, err
	}
	b := buf[:size]
	switch typ {
	case "char", "int8":
		return float64(int8(b[0])), nil
	case "uchar", "uint8":
		return float64(b[0]), nil
	case "short", "int16":
		return float64(int16(order.Uint16(b))), nil
	case "ushort", "uint16":
		return float64(order.Uint16(b)), nil
	case "int", "int32":
		return float64(int32(order.Uint32(b))), nil
	case "uint", "uint32":
		return float64(order.Uint32(b)), nil
	case "float", "float32":
		return float64(math.Float32frombits(order.Uint32(b))), nil
	default:
		return math.Float64frombits(order.Uint64(b)), nil
	}
}

func plyTypeSize(typ string) int {
	switch typ {
	case "char", "int8", "uchar", "uint8":
		return 1
	case "short", "int16", "ushort", "uint16":
		return 2
	case "int", "int32", "uint", "uint32", "float", "float32":
		return 4
	case "double", "float64":
		return 8
	}
	return 0
}

// WritePLY writes the cloud as ascii PLY with normals and colours when present
func WritePLY(w io.Writer, c *PointCloud) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", c.Len())
	fmt.Fprint(bw, "property float x\nproperty float y\nproperty float z\n")
	if c.HasNormals() {
		fmt.Fprint(bw, "property float nx\nproperty float ny\nproperty float nz\n")
	}
	if c.HasColors() {
		fmt.Fprint(bw, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	}
	fmt.Fprint(bw, "end_header\n")
	for i, p := range c.Points {
		fmt.Fprintf(bw, "%g %g %g", p[0], p[1], p[2])
		if c.HasNormals() {
			n := c.Normals[i]
			fmt.Fprintf(bw, " %g %g %g", n[0], n[1], n[2])
		}
		if c.HasColors() {
			col := c.Colors[i]
			fmt.Fprintf(bw, " %d %d %d", col.R, col.G, col.B)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// WriteScenePLY writes a coloured vertex element and an edge element
func WriteScenePLY(w io.Writer, s *Scene) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", len(s.Points))
	fmt.Fprint(bw, "property float x\nproperty float y\nproperty float z\n")
	fmt.Fprint(bw, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	fmt.Fprintf(bw, "element edge %d\n", len(s.Edges))
	fmt.Fprint(bw, "property int vertex1\nproperty int vertex2\n")
	fmt.Fprint(bw, "property uchar red\nproperty uchar green\nproperty uchar blue\n")
	fmt.Fprint(bw, "end_header\n")
	for i, p := range s.Points {
		col := s.Colors[i]
		fmt.Fprintf(bw, "%g %g %g %d %d %d\n", p[0], p[1], p[2], col.R, col.G, col.B)
	}
	for _, e := range s.Edges {
		fmt.Fprintf(bw, "%d %d %d %d %d\n", e.A, e.B, e.Color.R, e.Color.G, e.Color.B)
	}
	return bw.Flush()
}

// SavePLY writes a cloud to path, creating parent directories
func SavePLY(path string, c *PointCloud) error {
	return writeFile(path, func(w io.Writer) error { return WritePLY(w, c) })
}

// SaveScenePLY writes a scene to path, creating parent directories
func SaveScenePLY(path string, s *Scene) error {
	return writeFile(path, func(w io.Writer) error { return WriteScenePLY(w, s) })
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}
