package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// GLBToOBJ converts binary glTF (and plain glTF JSON) payloads into a
// single Wavefront OBJ file. Node hierarchies are flattened: every mesh
// instance is baked into world space, the way DCC tools expect batch
// exports to arrive.
type GLBToOBJ struct{}

func NewGLBToOBJ() *GLBToOBJ { return &GLBToOBJ{} }

var _ Engine = (*GLBToOBJ)(nil)

func (g *GLBToOBJ) Convert(ctx context.Context, payload []byte, sourceFilename string) ([]File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(payload)).Decode(doc); err != nil {
		return nil, &ConversionError{Reason: "parse model", Err: err}
	}

	instances, err := meshInstances(doc)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, &ConversionError{Reason: "model contains no mesh geometry"}
	}

	w := newObjWriter()
	for i, inst := range instances {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := w.writeMesh(doc, inst, i); err != nil {
			return nil, err
		}
	}
	if w.vertices == 0 {
		return nil, &ConversionError{Reason: "model contains no mesh geometry"}
	}

	return []File{{Name: objName(sourceFilename), Data: w.bytes()}}, nil
}

// objName derives the output filename from the upload's name, falling
// back to "model" when the upload had none worth keeping.
func objName(sourceFilename string) string {
	base := filepath.Base(strings.TrimSpace(sourceFilename))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "model"
	}
	return base + ".obj"
}

// meshInstance is one mesh reference reachable from the document's
// scene, carrying the world transform accumulated along the node path.
type meshInstance struct {
	mesh  uint32
	world mat4
}

func meshInstances(doc *gltf.Document) ([]meshInstance, error) {
	roots := sceneRoots(doc)
	if roots == nil {
		// No scene at all: export every mesh in place.
		out := make([]meshInstance, 0, len(doc.Meshes))
		for i := range doc.Meshes {
			out = append(out, meshInstance{mesh: uint32(i), world: identity})
		}
		return out, nil
	}

	var out []meshInstance
	visited := make(map[uint32]bool)

	var walk func(idx uint32, parent mat4) error
	walk = func(idx uint32, parent mat4) error {
		if int(idx) >= len(doc.Nodes) {
			return &ConversionError{Reason: fmt.Sprintf("node index %d out of range", idx)}
		}
		if visited[idx] {
			return &ConversionError{Reason: "circular node hierarchy"}
		}
		visited[idx] = true

		n := doc.Nodes[idx]
		world := parent.mul(nodeLocal(n))
		if n.Mesh != nil {
			if int(*n.Mesh) >= len(doc.Meshes) {
				return &ConversionError{Reason: fmt.Sprintf("mesh index %d out of range", *n.Mesh)}
			}
			out = append(out, meshInstance{mesh: *n.Mesh, world: world})
		}
		for _, child := range n.Children {
			if err := walk(child, world); err != nil {
				return err
			}
		}
		return nil
	}

	for _, root := range roots {
		if err := walk(root, identity); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sceneRoots returns the root nodes of the default scene, or nil when
// the document declares no scenes.
func sceneRoots(doc *gltf.Document) []uint32 {
	if len(doc.Scenes) == 0 {
		return nil
	}
	idx := 0
	if doc.Scene != nil && int(*doc.Scene) < len(doc.Scenes) {
		idx = int(*doc.Scene)
	}
	roots := doc.Scenes[idx].Nodes
	if roots == nil {
		roots = []uint32{}
	}
	return roots
}

type objWriter struct {
	buf      bytes.Buffer
	vertices int
	vOff     int
	vtOff    int
	vnOff    int
}

func newObjWriter() *objWriter {
	w := &objWriter{}
	w.buf.WriteString("# Wavefront OBJ\n")
	return w
}

func (w *objWriter) bytes() []byte { return w.buf.Bytes() }

func (w *objWriter) writeMesh(doc *gltf.Document, inst meshInstance, ordinal int) error {
	mesh := doc.Meshes[inst.mesh]
	name := mesh.Name
	if name == "" {
		name = fmt.Sprintf("mesh_%d", ordinal)
	}
	fmt.Fprintf(&w.buf, "o %s\n", sanitizeObjName(name))

	for _, prim := range mesh.Primitives {
		if prim.Mode != gltf.PrimitiveTriangles {
			continue
		}
		if err := w.writePrimitive(doc, prim, inst.world); err != nil {
			return err
		}
	}
	return nil
}

func (w *objWriter) writePrimitive(doc *gltf.Document, prim *gltf.Primitive, world mat4) error {
	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok {
		return nil
	}
	if int(posIdx) >= len(doc.Accessors) {
		return &ConversionError{Reason: "position accessor out of range"}
	}
	positions, err := modeler.ReadPosition(doc, doc.Accessors[posIdx], nil)
	if err != nil {
		return &ConversionError{Reason: "read positions", Err: err}
	}
	if len(positions) == 0 {
		return nil
	}

	var normals [][3]float32
	if idx, ok := prim.Attributes[gltf.NORMAL]; ok && int(idx) < len(doc.Accessors) {
		normals, err = modeler.ReadNormal(doc, doc.Accessors[idx], nil)
		if err != nil {
			return &ConversionError{Reason: "read normals", Err: err}
		}
	}
	var uvs [][2]float32
	if idx, ok := prim.Attributes[gltf.TEXCOORD_0]; ok && int(idx) < len(doc.Accessors) {
		uvs, err = modeler.ReadTextureCoord(doc, doc.Accessors[idx], nil)
		if err != nil {
			return &ConversionError{Reason: "read texture coordinates", Err: err}
		}
	}

	var indices []uint32
	if prim.Indices != nil {
		if int(*prim.Indices) >= len(doc.Accessors) {
			return &ConversionError{Reason: "index accessor out of range"}
		}
		indices, err = modeler.ReadIndices(doc, doc.Accessors[*prim.Indices], nil)
		if err != nil {
			return &ConversionError{Reason: "read indices", Err: err}
		}
	} else {
		indices = make([]uint32, len(positions))
		for i := range indices {
			indices[i] = uint32(i)
		}
	}
	if len(indices)%3 != 0 {
		return &ConversionError{Reason: "triangle index count is not a multiple of three"}
	}

	baked := world != identity
	for _, p := range positions {
		x, y, z := float64(p[0]), float64(p[1]), float64(p[2])
		if baked {
			x, y, z = world.transformPoint(x, y, z)
		}
		fmt.Fprintf(&w.buf, "v %.6f %.6f %.6f\n", x, y, z)
	}
	for _, uv := range uvs {
		// glTF puts texture origin at the top left, OBJ at the bottom left.
		fmt.Fprintf(&w.buf, "vt %.6f %.6f\n", uv[0], 1-uv[1])
	}
	for _, n := range normals {
		x, y, z := float64(n[0]), float64(n[1]), float64(n[2])
		if baked {
			x, y, z = world.transformDirection(x, y, z)
		}
		fmt.Fprintf(&w.buf, "vn %.6f %.6f %.6f\n", x, y, z)
	}

	hasUV := len(uvs) >= len(positions)
	hasNormal := len(normals) >= len(positions)
	for i := 0; i+2 < len(indices); i += 3 {
		w.buf.WriteByte('f')
		for k := 0; k < 3; k++ {
			idx := indices[i+k]
			if int(idx) >= len(positions) {
				return &ConversionError{Reason: fmt.Sprintf("triangle index %d out of range", idx)}
			}
			v := w.vOff + int(idx) + 1
			switch {
			case hasUV && hasNormal:
				fmt.Fprintf(&w.buf, " %d/%d/%d", v, w.vtOff+int(idx)+1, w.vnOff+int(idx)+1)
			case hasUV:
				fmt.Fprintf(&w.buf, " %d/%d", v, w.vtOff+int(idx)+1)
			case hasNormal:
				fmt.Fprintf(&w.buf, " %d//%d", v, w.vnOff+int(idx)+1)
			default:
				fmt.Fprintf(&w.buf, " %d", v)
			}
		}
		w.buf.WriteByte('\n')
	}

	w.vertices += len(positions)
	w.vOff += len(positions)
	w.vtOff += len(uvs)
	w.vnOff += len(normals)
	return nil
}

func sanitizeObjName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return '_'
		}
		return r
	}, name)
}

// mat4 is a column-major 4x4 matrix, the layout glTF uses on the wire.
type mat4 [16]float64

var identity = mat4{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

func (a mat4) mul(b mat4) mat4 {
	var out mat4
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[k*4+r] * b[c*4+k]
			}
			out[c*4+r] = sum
		}
	}
	return out
}

func (m mat4) transformPoint(x, y, z float64) (float64, float64, float64) {
	return m[0]*x + m[4]*y + m[8]*z + m[12],
		m[1]*x + m[5]*y + m[9]*z + m[13],
		m[2]*x + m[6]*y + m[10]*z + m[14]
}

// transformDirection applies the rotation and scale part of the matrix
// and renormalizes, which is exact for rigid transforms and a close
// approximation under non-uniform scale.
func (m mat4) transformDirection(x, y, z float64) (float64, float64, float64) {
	nx := m[0]*x + m[4]*y + m[8]*z
	ny := m[1]*x + m[5]*y + m[9]*z
	nz := m[2]*x + m[6]*y + m[10]*z
	norm := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if norm == 0 {
		return x, y, z
	}
	return nx / norm, ny / norm, nz / norm
}

// nodeLocal builds the node's local transform. glTF nodes carry either
// an explicit matrix or a translation/rotation/scale triple; absent
// fields decode as zero arrays and mean "default".
func nodeLocal(n *gltf.Node) mat4 {
	if m := (mat4)(n.Matrix); m != (mat4{}) && m != identity {
		return m
	}

	t := n.Translation
	r := n.Rotation
	if r == ([4]float64{}) {
		r = [4]float64{0, 0, 0, 1}
	}
	s := n.Scale
	if s == ([3]float64{}) {
		s = [3]float64{1, 1, 1}
	}
	return composeTRS(t, r, s)
}

func composeTRS(t [3]float64, q [4]float64, s [3]float64) mat4 {
	x, y, z, w := q[0], q[1], q[2], q[3]

	r00 := 1 - 2*(y*y+z*z)
	r01 := 2 * (x*y - z*w)
	r02 := 2 * (x*z + y*w)
	r10 := 2 * (x*y + z*w)
	r11 := 1 - 2*(x*x+z*z)
	r12 := 2 * (y*z - x*w)
	r20 := 2 * (x*z - y*w)
	r21 := 2 * (y*z + x*w)
	r22 := 1 - 2*(x*x+y*y)

	return mat4{
		r00 * s[0], r10 * s[0], r20 * s[0], 0,
		r01 * s[1], r11 * s[1], r21 * s[1], 0,
		r02 * s[2], r12 * s[2], r22 * s[2], 0,
		t[0], t[1], t[2], 1,
	}
}
